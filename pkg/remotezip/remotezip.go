// Package remotezip extracts single entries out of remote zip archives
// without downloading the whole archive, by issuing only the byte ranges
// needed for the central directory and the entry's compressed data.
package remotezip

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/openpod/flashd/pkg/fetch"
)

// ErrEntryNotFound indicates that the archive has no entry with the
// requested name.
var ErrEntryNotFound = errors.New("entry not found in archive")

const (
	sigEOCD        = 0x06054b50
	sigCentralDir  = 0x02014b50
	sigLocalHeader = 0x04034b50

	eocdFixedSize  = 22
	maxCommentSize = 0xffff

	methodStore   = 0
	methodDeflate = 8
)

// Entry describes one archive member as recorded in the central directory.
type Entry struct {
	Name             string
	Offset           int64 // local header offset
	CompressedSize   int64
	UncompressedSize int64
	Method           uint16
	CRC32            uint32
}

// Index is the parsed central directory of one remote archive.
type Index struct {
	src     *fetch.Source
	entries map[string]Entry

	// fetched counts bytes actually downloaded, for observability and to
	// let callers verify range access is cheaper than a full download.
	mu      sync.Mutex
	fetched int64
}

func (ix *Index) read(ctx context.Context, off, size int64) ([]byte, error) {
	data, err := ix.src.ReadRange(ctx, off, size)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.fetched += int64(len(data))
	ix.mu.Unlock()
	return data, nil
}

// BytesFetched returns the number of archive bytes downloaded so far.
func (ix *Index) BytesFetched() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.fetched
}

// Entries returns the central directory records, keyed by entry name.
func (ix *Index) Entries() map[string]Entry {
	return ix.entries
}

// Build fetches and parses the archive's central directory.
func Build(ctx context.Context, src *fetch.Source) (*Index, error) {
	ix := &Index{src: src, entries: make(map[string]Entry)}

	length, err := src.Length(ctx)
	if err != nil {
		return nil, err
	}
	if length < eocdFixedSize {
		return nil, fmt.Errorf("%w: archive too short (%d bytes)", fetch.ErrSourceUnavailable, length)
	}

	// The EOCD record sits at the end of the archive, at an offset we
	// cannot know up front because of the variable-length comment. Grab a
	// tail chunk and scan backward for the signature.
	tailSize := int64(eocdFixedSize + maxCommentSize)
	if tailSize > length {
		tailSize = length
	}
	tail, err := ix.read(ctx, length-tailSize, tailSize)
	if err != nil {
		return nil, err
	}

	eocdOff := -1
	for i := len(tail) - eocdFixedSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) == sigEOCD {
			eocdOff = i
			break
		}
	}
	if eocdOff == -1 {
		return nil, fmt.Errorf("%w: no end-of-central-directory record", fetch.ErrSourceUnavailable)
	}
	eocd := tail[eocdOff:]

	total := int(binary.LittleEndian.Uint16(eocd[10:]))
	cdSize := int64(binary.LittleEndian.Uint32(eocd[12:]))
	cdOff := int64(binary.LittleEndian.Uint32(eocd[16:]))

	cd, err := ix.read(ctx, cdOff, cdSize)
	if err != nil {
		return nil, err
	}

	for i := 0; i < total; i++ {
		if len(cd) < 46 {
			return nil, fmt.Errorf("%w: truncated central directory", fetch.ErrSourceUnavailable)
		}
		if binary.LittleEndian.Uint32(cd) != sigCentralDir {
			return nil, fmt.Errorf("%w: bad central directory entry signature", fetch.ErrSourceUnavailable)
		}
		method := binary.LittleEndian.Uint16(cd[10:])
		crc := binary.LittleEndian.Uint32(cd[16:])
		compSize := int64(binary.LittleEndian.Uint32(cd[20:]))
		uncompSize := int64(binary.LittleEndian.Uint32(cd[24:]))
		nameLen := int(binary.LittleEndian.Uint16(cd[28:]))
		extraLen := int(binary.LittleEndian.Uint16(cd[30:]))
		commentLen := int(binary.LittleEndian.Uint16(cd[32:]))
		offset := int64(binary.LittleEndian.Uint32(cd[42:]))

		// All variable-length fields must fit within the directory span
		// the EOCD declared.
		if len(cd) < 46+nameLen+extraLen+commentLen {
			return nil, fmt.Errorf("%w: truncated central directory", fetch.ErrSourceUnavailable)
		}
		name := string(cd[46 : 46+nameLen])
		ix.entries[name] = Entry{
			Name:             name,
			Offset:           offset,
			CompressedSize:   compSize,
			UncompressedSize: uncompSize,
			Method:           method,
			CRC32:            crc,
		}
		cd = cd[46+nameLen+extraLen+commentLen:]
	}

	return ix, nil
}

// Extract returns the decompressed contents of the named entry, fetching
// exactly the byte range covering its compressed data.
func (ix *Index) Extract(ctx context.Context, name string) ([]byte, error) {
	entry, ok := ix.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}

	// The local header's extra field can differ in length from the central
	// directory's copy, so the data offset has to come from the local
	// header itself.
	lh, err := ix.read(ctx, entry.Offset, 30)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(lh) != sigLocalHeader {
		return nil, fmt.Errorf("%w: bad local header signature for %q", fetch.ErrSourceUnavailable, name)
	}
	nameLen := int64(binary.LittleEndian.Uint16(lh[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(lh[28:]))

	compressed, err := ix.read(ctx, entry.Offset+30+nameLen+extraLen, entry.CompressedSize)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch entry.Method {
	case methodStore:
		data = compressed
	case methodDeflate:
		fr := flate.NewReader(bytes.NewReader(compressed))
		data, err = io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("inflating %q: %w", name, err)
		}
		fr.Close()
	default:
		return nil, fmt.Errorf("entry %q uses unsupported compression method %d", name, entry.Method)
	}

	if int64(len(data)) != entry.UncompressedSize {
		return nil, fmt.Errorf("entry %q: expected %d bytes, got %d", name, entry.UncompressedSize, len(data))
	}
	if crc := crc32.ChecksumIEEE(data); crc != entry.CRC32 {
		return nil, fmt.Errorf("entry %q: CRC mismatch (%08x != %08x)", name, crc, entry.CRC32)
	}
	return data, nil
}

// Cache memoizes archive indexes by URL. Safe to reuse across firmware
// descriptors pointing at the same archive.
type Cache struct {
	mu      sync.Mutex
	indexes map[string]*Index
}

func NewCache() *Cache {
	return &Cache{indexes: make(map[string]*Index)}
}

// Index returns a cached index for the source's URL, building it on first
// use. Build failures are not cached.
func (c *Cache) Index(ctx context.Context, src *fetch.Source) (*Index, error) {
	c.mu.Lock()
	ix, ok := c.indexes[src.URL()]
	c.mu.Unlock()
	if ok {
		return ix, nil
	}

	ix, err := Build(ctx, src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.indexes[src.URL()] = ix
	c.mu.Unlock()
	return ix, nil
}
