package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"epdtag/internal/model"
	"epdtag/internal/proto"
)

// Fetcher serves a stored slot to the block cache exactly as the radio
// would, BlockData header included. It implements cache.Fetcher.
type Fetcher struct {
	f    *os.File
	meta Meta
}

// Open returns a Fetcher reading from sl. Close it when streaming is done.
func (s *Store) Open(sl Slot) (*Fetcher, error) {
	f, err := os.Open(filepath.Join(sl.Dir, "body.bin"))
	if err != nil {
		return nil, err
	}
	return &Fetcher{f: f, meta: sl.Meta}, nil
}

// Info is the check-in result equivalent of the stored image.
func (f *Fetcher) Info() model.CheckInResult { return f.meta.Info() }

func (f *Fetcher) FetchBlock(_ context.Context, blockID int, _ model.CheckInResult, buf []byte) error {
	if len(buf) < proto.BlockBufferSize {
		return fmt.Errorf("store: block buffer of %d bytes", len(buf))
	}
	off := int64(blockID) * proto.BlockSize
	if blockID < 0 || off >= int64(f.meta.Size) {
		return fmt.Errorf("store: block %d outside stored image", blockID)
	}
	data := buf[proto.BlockHeaderSize:proto.BlockBufferSize]
	clear(data)
	n, err := f.f.ReadAt(data, off)
	if err != nil && err != io.EOF {
		return err
	}
	proto.PutBlockHeader(buf, proto.BlockHeader{Size: uint16(n), Checksum: proto.DataChecksum(data[:n])})
	return nil
}

func (f *Fetcher) Close() error {
	return f.f.Close()
}
