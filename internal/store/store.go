// Package store keeps the last fully received images on disk so the tag can
// redisplay one when the access point has nothing new or cannot be reached.
//
// Layout under the store directory:
//
//	slot-0/meta.json   version, size, type, CRC32, timestamp
//	slot-0/body.bin    raw content bytes (bw plane, then red plane)
//	firmware/          staging area for firmware downloads
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	appLog "epdtag/internal/log"
	"epdtag/internal/model"
	"epdtag/internal/proto"
)

// DefaultSlots is the number of image slots kept.
const DefaultSlots = 3

// Magic tags a meta.json written by this package.
const Magic = "OEPL"

var (
	ErrNoImage    = errors.New("store: no valid image")
	ErrIncomplete = errors.New("store: image incomplete")
)

// Meta describes one stored image.
type Meta struct {
	Magic     string         `json:"magic"`
	Version   uint64         `json:"version"`
	Size      uint32         `json:"size"`
	Type      model.DataType `json:"type"`
	TypeArg   uint8          `json:"type_arg"`
	CRC32     uint32         `json:"crc32"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Info turns the metadata back into the check-in result that produced it.
func (m Meta) Info() model.CheckInResult {
	return model.CheckInResult{Version: m.Version, Size: m.Size, Type: m.Type, TypeArg: m.TypeArg}
}

// Slot is a stored image and where it lives.
type Slot struct {
	Index int
	Dir   string
	Meta  Meta
}

// Store manages the slot directories.
type Store struct {
	dir   string
	slots int
	now   func() time.Time
	log   appLog.Logger
}

// New creates a Store rooted at dir.
//
// Caller should set dir explicitly; we fallback to a relative dir so that
// development runs without root permissions.
func New(dir string, slots int) *Store {
	if dir == "" {
		dir = "./var/epdtag"
	}
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &Store{dir: dir, slots: slots, now: time.Now, log: appLog.With("store")}
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) slotDir(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("slot-%d", i))
}

// Slots returns every slot that holds a valid image. Invalid slots are
// logged and skipped.
func (s *Store) Slots() []Slot {
	var out []Slot
	for i := 0; i < s.slots; i++ {
		dir := s.slotDir(i)
		meta, err := loadMeta(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("slot unreadable", "slot", i, "err", err)
			}
			continue
		}
		if err := verifyBody(dir, meta); err != nil {
			s.log.Warn("slot invalid", "slot", i, "err", err)
			continue
		}
		out = append(out, Slot{Index: i, Dir: dir, Meta: meta})
	}
	return out
}

// Latest returns the most recently written valid slot.
func (s *Store) Latest() (Slot, error) {
	var best Slot
	found := false
	for _, sl := range s.Slots() {
		if !found || sl.Meta.UpdatedAt.After(best.Meta.UpdatedAt) {
			best, found = sl, true
		}
	}
	if !found {
		return Slot{}, ErrNoImage
	}
	return best, nil
}

// pickSlot returns the slot to overwrite: one already holding version,
// else an empty or invalid one, else the oldest.
func (s *Store) pickSlot(version uint64) int {
	valid := map[int]Meta{}
	for _, sl := range s.Slots() {
		if sl.Meta.Version == version {
			return sl.Index
		}
		valid[sl.Index] = sl.Meta
	}
	oldest := 0
	for i := 0; i < s.slots; i++ {
		m, ok := valid[i]
		if !ok {
			return i
		}
		if m.UpdatedAt.Before(valid[oldest].UpdatedAt) {
			oldest = i
		}
	}
	return oldest
}

// Begin opens a writer for a new image transfer described by info.
func (s *Store) Begin(info model.CheckInResult) (*Writer, error) {
	idx := s.pickSlot(info.Version)
	dir := s.slotDir(idx)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	part := filepath.Join(dir, "body.bin.part")
	f, err := os.OpenFile(part, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(info.Size)); err != nil {
		f.Close()
		os.Remove(part)
		return nil, err
	}
	nblocks := (int(info.Size) + proto.BlockSize - 1) / proto.BlockSize
	return &Writer{
		store:   s,
		slot:    idx,
		dir:     dir,
		f:       f,
		info:    info,
		written: make([]bool, nblocks),
	}, nil
}

// Writer collects the blocks of one transfer. It implements cache.BlockSink.
type Writer struct {
	store   *Store
	slot    int
	dir     string
	f       *os.File
	info    model.CheckInResult
	written []bool
}

// Slot is the index being written.
func (w *Writer) Slot() int { return w.slot }

// PutBlock stores the data region of a received block buffer.
func (w *Writer) PutBlock(blockID int, buf []byte) error {
	if blockID < 0 || blockID >= len(w.written) {
		return fmt.Errorf("store: block %d outside content of %d bytes", blockID, w.info.Size)
	}
	off := blockID * proto.BlockSize
	n := min(proto.BlockSize, int(w.info.Size)-off, len(buf)-proto.BlockHeaderSize)
	if n <= 0 {
		return nil
	}
	if _, err := w.f.WriteAt(buf[proto.BlockHeaderSize:proto.BlockHeaderSize+n], int64(off)); err != nil {
		return err
	}
	w.written[blockID] = true
	return nil
}

// Commit makes the image the slot's content. Every block must have been
// stored.
func (w *Writer) Commit() (Meta, error) {
	for id, ok := range w.written {
		if !ok {
			w.Abort()
			return Meta{}, fmt.Errorf("%w: block %d missing", ErrIncomplete, id)
		}
	}
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return Meta{}, err
	}
	sum, err := crcOf(w.f)
	if err != nil {
		w.Abort()
		return Meta{}, err
	}
	if err := w.f.Close(); err != nil {
		return Meta{}, err
	}

	meta := Meta{
		Magic:     Magic,
		Version:   w.info.Version,
		Size:      w.info.Size,
		Type:      w.info.Type,
		TypeArg:   w.info.TypeArg,
		CRC32:     sum,
		UpdatedAt: w.store.now().UTC(),
	}
	// Write body first so meta never points at missing body.
	if err := os.Rename(filepath.Join(w.dir, "body.bin.part"), filepath.Join(w.dir, "body.bin")); err != nil {
		return Meta{}, err
	}
	if err := saveMeta(w.dir, meta); err != nil {
		return Meta{}, err
	}
	w.store.log.Info("image stored", "slot", w.slot, "version", fmt.Sprintf("%016x", meta.Version), "size", meta.Size)
	return meta, nil
}

// Abort drops the partial body. The slot's previous content, if any, is
// left alone.
func (w *Writer) Abort() {
	w.f.Close()
	os.Remove(filepath.Join(w.dir, "body.bin.part"))
}

func loadMeta(dir string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, err
	}
	if meta.Magic != Magic {
		return Meta{}, fmt.Errorf("store: bad magic %q", meta.Magic)
	}
	return meta, nil
}

func saveMeta(dir string, meta Meta) error {
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "meta.json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "meta.json"))
}

func verifyBody(dir string, meta Meta) error {
	f, err := os.Open(filepath.Join(dir, "body.bin"))
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() != int64(meta.Size) {
		return fmt.Errorf("store: body is %d bytes, meta says %d", st.Size(), meta.Size)
	}
	sum, err := crcOf(f)
	if err != nil {
		return err
	}
	if sum != meta.CRC32 {
		return fmt.Errorf("store: crc %08x, meta says %08x", sum, meta.CRC32)
	}
	return nil
}

func crcOf(r io.ReadSeeker) (uint32, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
