package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"epdtag/internal/model"
)

// Staging is the firmware download area. Blocks are written at their
// offsets into firmware.bin.part; Finalize renames it once verified.
type Staging struct {
	dir  string
	f    *os.File
	size int64
}

// Staging opens a fresh staging file of size bytes.
func (s *Store) Staging(size int64) (*Staging, error) {
	dir := filepath.Join(s.dir, "firmware")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "firmware.bin.part"), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &Staging{dir: dir, f: f, size: size}, nil
}

func (st *Staging) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > st.size {
		return 0, fmt.Errorf("store: staging write [%d,%d) outside %d bytes", off, off+int64(len(p)), st.size)
	}
	return st.f.WriteAt(p, off)
}

func (st *Staging) ReadAt(p []byte, off int64) (int, error) {
	return st.f.ReadAt(p, off)
}

// Finalize keeps the staged image as firmware.bin with its check-in
// metadata next to it. Applying it is someone else's job.
func (st *Staging) Finalize(info model.CheckInResult) (string, error) {
	if err := st.f.Sync(); err != nil {
		st.Discard()
		return "", err
	}
	if err := st.f.Close(); err != nil {
		return "", err
	}
	final := filepath.Join(st.dir, "firmware.bin")
	if err := os.Rename(filepath.Join(st.dir, "firmware.bin.part"), final); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(st.dir, "firmware.json"), data, 0o600); err != nil {
		return "", err
	}
	return final, nil
}

// Discard removes the partial file.
func (st *Staging) Discard() {
	st.f.Close()
	os.Remove(filepath.Join(st.dir, "firmware.bin.part"))
}
