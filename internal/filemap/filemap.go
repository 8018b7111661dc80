// Package filemap provides a memory-mapped, alignment-padded view over the
// file being sent or received, so the FEC facade can treat it as a single
// byte-addressable region instead of something read or written symbol by
// symbol.
package filemap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileMap is a byte-addressable mapping of a file, padded up to a multiple
// of the codec's alignment (Al). Unmap is guaranteed on every exit path
// through Close, including when OpenReceiver or OpenSender fails partway.
type FileMap struct {
	f          *os.File
	data       []byte
	fileSize   int64
	paddedSize int64
	truncate   bool // receiver: truncate back to fileSize on Close
}

func ceilTo(n int64, al int64) int64 {
	if n%al == 0 {
		return n
	}
	return (n/al + 1) * al
}

// OpenSender memory-maps path read-only. The returned FileMap's PaddedSize
// is the file's own length rounded up to al; the caller is responsible for
// zero-treating bytes past FileSize when it feeds the last block to the
// encoder.
func OpenSender(path string, al int) (fm *FileMap, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filemap: open %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("filemap: stat %s: %w", path, err)
	}
	fileSize := info.Size()
	padded := ceilTo(fileSize, int64(al))

	// An empty file is left unmapped: unix.Mmap rejects a zero-length
	// mapping, and Slice zero-fills everything past a nil mapping.
	var data []byte
	if fileSize > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(fileSize), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("filemap: mmap %s: %w", path, err)
		}
	}

	return &FileMap{
		f:          f,
		data:       data,
		fileSize:   fileSize,
		paddedSize: padded,
	}, nil
}

// OpenReceiver creates (or truncates) path, pre-extends it to paddedSize,
// and memory-maps it read-write. On Close, the file is truncated back to
// fileSize.
func OpenReceiver(path string, fileSize, paddedSize int64) (fm *FileMap, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filemap: create %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	mapLen := paddedSize
	if mapLen == 0 {
		mapLen = 1
	}
	if err = unix.Ftruncate(int(f.Fd()), mapLen); err != nil {
		return nil, fmt.Errorf("filemap: truncate %s to %d: %w", path, mapLen, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("filemap: mmap %s: %w", path, err)
	}

	return &FileMap{
		f:          f,
		data:       data,
		fileSize:   fileSize,
		paddedSize: paddedSize,
		truncate:   true,
	}, nil
}

// FileSize returns the logical (unpadded) file size.
func (fm *FileMap) FileSize() int64 { return fm.fileSize }

// PaddedSize returns the mapped, alignment-padded size.
func (fm *FileMap) PaddedSize() int64 { return fm.paddedSize }

// Bytes returns the whole mapping. On the receiver side that is PaddedSize
// bytes, those past FileSize zero (from Ftruncate); on the sender side the
// mapping stops at the true end of file, so it is only FileSize bytes long
// (nil for an empty file). Use Slice for a view zero-padded past the end
// of a sender-side mapping.
func (fm *FileMap) Bytes() []byte { return fm.data }

// Slice returns the byte range [offset, offset+length) as a view into the
// mapping, zero-padding any portion that falls beyond the actual mapped
// length (this only happens on the sender, whose mapping stops at the true
// end of file rather than PaddedSize).
func (fm *FileMap) Slice(offset, length int64) []byte {
	end := offset + length
	if end <= int64(len(fm.data)) {
		return fm.data[offset:end]
	}
	out := make([]byte, length)
	if offset < int64(len(fm.data)) {
		copy(out, fm.data[offset:])
	}
	return out
}

// Close unmaps the region, truncates the receiver's file back to its
// logical size, and closes the file descriptor. Safe to call once; callers
// typically defer it immediately after a successful Open*.
func (fm *FileMap) Close() error {
	var firstErr error
	if fm.data != nil {
		if err := unix.Munmap(fm.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("filemap: munmap: %w", err)
		}
		fm.data = nil
	}
	if fm.truncate {
		if err := fm.f.Truncate(fm.fileSize); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("filemap: final truncate: %w", err)
		}
	}
	if err := fm.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("filemap: close: %w", err)
	}
	return firstErr
}
