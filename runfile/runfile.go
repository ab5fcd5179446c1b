// Package runfile reads and writes run files: immutable sorted files
// produced by dump and compaction. A run file is a sequence of
// lz4-compressed pages followed by a footer carrying the statement
// count, the key bounds, the first key of every page and a bloom
// filter over all keys.
package runfile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pierrec/lz4/v4"
)

const magic = "grvrun1\n"

// Op mirrors the statement operation byte stored in a run.
const (
	OpReplace byte = iota
	OpDelete
)

// Rec is a single statement as stored in a run file.
type Rec struct {
	Key   []byte
	LSN   int64
	Op    byte
	Value []byte
}

// Info describes a committed run file.
type Info struct {
	Count    int      `json:"count"`
	MinKey   []byte   `json:"minKey,omitempty"`
	MaxKey   []byte   `json:"maxKey,omitempty"`
	Size     int64    `json:"size"`
	PageKeys [][]byte `json:"pageKeys,omitempty"` // first key of each page
}

type footer struct {
	Info      Info   `json:"info"`
	Bloom     []byte `json:"bloom"`
	PageCount int    `json:"pageCount"`
}

// Writer writes statements to a run file in key order. Statements are
// buffered into pages of roughly pageSize bytes; each page is
// compressed independently so readers can skip pages they do not need.
type Writer struct {
	f        *os.File
	path     string
	pageSize int
	page     bytes.Buffer
	pageKeys [][]byte
	filter   *bloom.BloomFilter
	info     Info
	closed   bool
}

// NewWriter creates a run file at path. expectedKeys sizes the bloom
// filter; fpr is its target false positive rate.
func NewWriter(path string, pageSize int, expectedKeys uint, fpr float64) (*Writer, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("runfile: page size must be positive, got %d", pageSize)
	}
	if expectedKeys == 0 {
		expectedKeys = 1
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("runfile: create %s: %w", path, err)
	}
	if _, err := f.WriteString(magic); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &Writer{
		f:        f,
		path:     path,
		pageSize: pageSize,
		filter:   bloom.NewWithEstimates(expectedKeys, fpr),
	}, nil
}

// Append adds a statement. Keys must arrive in ascending order; equal
// keys must arrive newest (highest LSN) first.
func (w *Writer) Append(r Rec) error {
	if w.info.Count > 0 && bytes.Compare(r.Key, w.info.MaxKey) < 0 {
		return fmt.Errorf("runfile: keys out of order: %q after %q", r.Key, w.info.MaxKey)
	}
	if w.page.Len() == 0 {
		w.pageKeys = append(w.pageKeys, append([]byte(nil), r.Key...))
	}
	writeRec(&w.page, r)
	w.filter.Add(r.Key)
	if w.info.Count == 0 {
		w.info.MinKey = append([]byte(nil), r.Key...)
	}
	w.info.MaxKey = append([]byte(nil), r.Key...)
	w.info.Count++
	if w.page.Len() >= w.pageSize {
		return w.flushPage()
	}
	return nil
}

func writeRec(buf *bytes.Buffer, r Rec) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(r.Value)))
	buf.Write(hdr[:])
	buf.Write(r.Key)
	var meta [9]byte
	binary.LittleEndian.PutUint64(meta[:8], uint64(r.LSN))
	meta[8] = r.Op
	buf.Write(meta[:])
	buf.Write(r.Value)
}

func (w *Writer) flushPage() error {
	if w.page.Len() == 0 {
		return nil
	}
	raw := w.page.Bytes()
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, compressed)
	if err != nil {
		return fmt.Errorf("runfile: compress page: %w", err)
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(n))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(raw)))
	if _, err := w.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(compressed[:n]); err != nil {
		return err
	}
	w.page.Reset()
	return nil
}

// Commit flushes the last page, writes the footer and closes the file.
// The returned Info describes the finished run.
func (w *Writer) Commit() (Info, error) {
	if w.closed {
		return Info{}, fmt.Errorf("runfile: writer already closed")
	}
	if err := w.flushPage(); err != nil {
		return Info{}, err
	}
	dataEnd, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Info{}, err
	}
	var bloomBuf bytes.Buffer
	if _, err := w.filter.WriteTo(&bloomBuf); err != nil {
		return Info{}, err
	}
	w.info.PageKeys = w.pageKeys
	ft := footer{Info: w.info, Bloom: bloomBuf.Bytes(), PageCount: len(w.pageKeys)}
	ftData, err := json.Marshal(ft)
	if err != nil {
		return Info{}, err
	}
	if _, err := w.f.Write(ftData); err != nil {
		return Info{}, err
	}
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(len(ftData)))
	if _, err := w.f.Write(trailer[:]); err != nil {
		return Info{}, err
	}
	if err := w.f.Sync(); err != nil {
		return Info{}, err
	}
	w.info.Size = dataEnd + int64(len(ftData)) + 8
	if err := w.f.Close(); err != nil {
		return Info{}, err
	}
	w.closed = true
	return w.info, nil
}

// Abort closes and removes the partially written file.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.path)
}

// Reader reads a committed run file.
type Reader struct {
	path   string
	info   Info
	filter *bloom.BloomFilter
	pages  [][]byte // compressed pages, decoded lazily
	sizes  []int    // uncompressed sizes
}

// Open reads a run file's footer and page index.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runfile: open %s: %w", path, err)
	}
	if len(data) < len(magic)+8 || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("runfile: %s: bad magic", path)
	}
	ftLen := binary.LittleEndian.Uint64(data[len(data)-8:])
	ftStart := len(data) - 8 - int(ftLen)
	if ftStart < len(magic) {
		return nil, fmt.Errorf("runfile: %s: truncated footer", path)
	}
	var ft footer
	if err := json.Unmarshal(data[ftStart:len(data)-8], &ft); err != nil {
		return nil, fmt.Errorf("runfile: %s: decode footer: %w", path, err)
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(ft.Bloom)); err != nil {
		return nil, fmt.Errorf("runfile: %s: decode bloom: %w", path, err)
	}
	r := &Reader{path: path, info: ft.Info, filter: filter}
	pos := len(magic)
	for i := 0; i < ft.PageCount; i++ {
		if pos+8 > ftStart {
			return nil, fmt.Errorf("runfile: %s: truncated page %d", path, i)
		}
		clen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		rawLen := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if pos+clen > ftStart {
			return nil, fmt.Errorf("runfile: %s: truncated page %d", path, i)
		}
		r.pages = append(r.pages, data[pos:pos+clen])
		r.sizes = append(r.sizes, rawLen)
		pos += clen
	}
	return r, nil
}

// Info returns the run's footer info.
func (r *Reader) Info() Info { return r.info }

// MayContain reports whether the run may contain key, using the bloom
// filter. A false result is definitive.
func (r *Reader) MayContain(key []byte) bool {
	return r.filter.Test(key)
}

// All decodes every statement in the run, in file order.
func (r *Reader) All() ([]Rec, error) {
	var out []Rec
	for i := range r.pages {
		raw := make([]byte, r.sizes[i])
		n, err := lz4.UncompressBlock(r.pages[i], raw)
		if err != nil {
			return nil, fmt.Errorf("runfile: %s: decompress page %d: %w", r.path, i, err)
		}
		raw = raw[:n]
		for len(raw) > 0 {
			if len(raw) < 8 {
				return nil, fmt.Errorf("runfile: %s: short record", r.path)
			}
			keyLen := int(binary.LittleEndian.Uint32(raw[:4]))
			valLen := int(binary.LittleEndian.Uint32(raw[4:8]))
			raw = raw[8:]
			if len(raw) < keyLen+9+valLen {
				return nil, fmt.Errorf("runfile: %s: short record", r.path)
			}
			rec := Rec{
				Key:   append([]byte(nil), raw[:keyLen]...),
				LSN:   int64(binary.LittleEndian.Uint64(raw[keyLen : keyLen+8])),
				Op:    raw[keyLen+8],
				Value: append([]byte(nil), raw[keyLen+9:keyLen+9+valLen]...),
			}
			raw = raw[keyLen+9+valLen:]
			out = append(out, rec)
		}
	}
	return out, nil
}
