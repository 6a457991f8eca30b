package torrent

import (
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/mistmoor/torrent/internal/metainfo"
)

// MMapFiles is an alternative Files backend using memory-mapped files via
// github.com/edsrzf/mmap-go, the way the teacher's storage.NewMMap offers an
// alternative to storage.NewFile for the same storage.ClientImpl contract.
// Unlike OSFiles, a memory mapping is fixed-size, so each file is
// preallocated to its declared length up front.
type MMapFiles struct {
	handles []*os.File
	maps    []mmap.MMap
}

// NewMMapFiles preallocates and memory-maps the backing files for info under
// dir.
func NewMMapFiles(dir string, info *metainfo.Info) (*MMapFiles, error) {
	upverted := info.UpvertedFiles()
	mf := &MMapFiles{
		handles: make([]*os.File, len(upverted)),
		maps:    make([]mmap.MMap, len(upverted)),
	}
	for i, f := range upverted {
		path := filepath.Join(append([]string{dir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			mf.closeOpened(i)
			return nil, wrapDiskError("NewMMapFiles.MkdirAll", err)
		}
		fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			mf.closeOpened(i)
			return nil, wrapDiskError("NewMMapFiles.OpenFile", err)
		}
		if f.Length > 0 {
			if err := fh.Truncate(f.Length); err != nil {
				fh.Close()
				mf.closeOpened(i)
				return nil, wrapDiskError("NewMMapFiles.Truncate", err)
			}
		}
		mf.handles[i] = fh
		if f.Length == 0 {
			continue
		}
		m, err := mmap.Map(fh, mmap.RDWR, 0)
		if err != nil {
			fh.Close()
			mf.closeOpened(i)
			return nil, wrapDiskError("NewMMapFiles.Map", err)
		}
		mf.maps[i] = m
	}
	return mf, nil
}

func (mf *MMapFiles) closeOpened(upTo int) {
	for i := 0; i < upTo; i++ {
		if mf.maps[i] != nil {
			mf.maps[i].Unmap()
		}
		if mf.handles[i] != nil {
			mf.handles[i].Close()
		}
	}
}

func (mf *MMapFiles) ReadAt(fileIndex int, p []byte, off int64) (int, error) {
	m := mf.maps[fileIndex]
	if off < 0 || off > int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (mf *MMapFiles) WriteAt(fileIndex int, p []byte, off int64) (int, error) {
	m := mf.maps[fileIndex]
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, ErrShortWrite
	}
	return copy(m[off:], p), nil
}

func (mf *MMapFiles) Close() error {
	var firstErr error
	for i, m := range mf.maps {
		if m != nil {
			if err := m.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := m.Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if mf.handles[i] != nil {
			if err := mf.handles[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
