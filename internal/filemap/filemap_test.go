package filemap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSenderPadsToAlignment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.bin")
	content := []byte("hello world") // 11 bytes
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fm, err := OpenSender(path, 4)
	if err != nil {
		t.Fatalf("OpenSender: %v", err)
	}
	defer fm.Close()

	if fm.FileSize() != int64(len(content)) {
		t.Fatalf("FileSize() = %d, want %d", fm.FileSize(), len(content))
	}
	if fm.PaddedSize() != 12 {
		t.Fatalf("PaddedSize() = %d, want 12", fm.PaddedSize())
	}
	if !bytes.Equal(fm.Bytes(), content) {
		t.Fatalf("Bytes() = %q, want %q", fm.Bytes(), content)
	}
}

func TestOpenSenderSliceZeroFillsPastEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.bin")
	content := []byte("abcd")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fm, err := OpenSender(path, 8)
	if err != nil {
		t.Fatalf("OpenSender: %v", err)
	}
	defer fm.Close()

	got := fm.Slice(0, 8)
	want := []byte{'a', 'b', 'c', 'd', 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("Slice(0,8) = %v, want %v", got, want)
	}
}

func TestOpenSenderEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fm, err := OpenSender(path, 4)
	if err != nil {
		t.Fatalf("OpenSender: %v", err)
	}
	defer fm.Close()

	if fm.FileSize() != 0 {
		t.Fatalf("FileSize() = %d, want 0", fm.FileSize())
	}
	got := fm.Slice(0, 4)
	if !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("Slice(0,4) on empty file = %v, want zeros", got)
	}
}

func TestOpenReceiverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dst.bin")

	fm, err := OpenReceiver(path, 10, 12)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}

	dst := fm.Slice(0, 10)
	copy(dst, []byte("0123456789"))

	if err := fm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("0123456789")) {
		t.Fatalf("file contents = %q, want %q (Close must truncate back to fileSize)", got, "0123456789")
	}
}
