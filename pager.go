package leafdb

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// pageStore is L0: the memory-mapped file backing every page in the
// environment. Reads hand back references directly into the mapped region
// (zero-copy); writes copy a page-sized buffer into the mapped region.
// grow extends the file and re-maps; only the writer ever calls it, since
// growing invalidates outstanding page slices for any concurrent reader on
// platforms where remap may relocate the mapping.
type pageStore struct {
	file *os.File
	data mmap.MMap
	path string
}

func openPageStore(path string, minPages int) (*pageStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := info.Size()
	minSize := int64(minPages) * PageSize
	if size < minSize {
		if err := file.Truncate(minSize); err != nil {
			file.Close()
			return nil, err
		}
		size = minSize
	}
	data, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &pageStore{file: file, data: data, path: path}, nil
}

func (p *pageStore) sizeInPages() int { return len(p.data) / PageSize }

// readPage returns a reference into the mapped region valid for as long as
// the store isn't grown or closed; callers (transactions) must not retain
// it past their own lifetime.
func (p *pageStore) readPage(id PageID) ([]byte, error) {
	off := int64(id) * PageSize
	if off < 0 || off+PageSize > int64(len(p.data)) {
		return nil, ioErrf("read", uint64(id), ErrInvalidPageID)
	}
	return p.data[off : off+PageSize], nil
}

// writePage copies buf into the mapped region at id's offset.
func (p *pageStore) writePage(id PageID, buf []byte) error {
	if len(buf) != PageSize {
		return ioErrf("write", uint64(id), ErrInvalidParameter)
	}
	off := int64(id) * PageSize
	if off < 0 || off+PageSize > int64(len(p.data)) {
		return ioErrf("write", uint64(id), ErrInvalidPageID)
	}
	copy(p.data[off:off+PageSize], buf)
	return nil
}

// grow extends the file to hold at least newPages pages and re-maps.
// Exclusive to the writer: the caller must hold the environment's write
// mutex.
func (p *pageStore) grow(newPages int) error {
	if newPages <= p.sizeInPages() {
		return nil
	}
	newSize := int64(newPages) * PageSize
	if err := p.file.Truncate(newSize); err != nil {
		return err
	}
	if err := p.data.Unmap(); err != nil {
		return err
	}
	data, err := mmap.MapRegion(p.file, int(newSize), mmap.RDWR, 0, 0)
	if err != nil {
		return err
	}
	p.data = data
	return nil
}

// sync applies the configured durability policy to the mapped region (and,
// for FullSync, to file metadata where the OS distinguishes the two).
func (p *pageStore) sync(mode SyncMode) error {
	switch mode {
	case NoSync:
		return nil
	case AsyncFlush:
		return p.data.Flush()
	case SyncData:
		if err := p.data.Flush(); err != nil {
			return err
		}
		return fdatasync(p.file)
	case FullSync:
		if err := p.data.Flush(); err != nil {
			return err
		}
		return fullsync(p.file)
	default:
		return nil
	}
}

func (p *pageStore) close() error {
	if err := p.data.Unmap(); err != nil {
		return err
	}
	return p.file.Close()
}
