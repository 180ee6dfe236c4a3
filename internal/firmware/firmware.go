// Package firmware downloads a firmware image offered by the access point
// into the staging area. Every block must arrive whole and match its
// BlockData checksum; one bad block aborts the download so the access point
// offers it again next check-in.
package firmware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	appLog "epdtag/internal/log"
	"epdtag/internal/model"
	"epdtag/internal/proto"
)

// MaxSize bounds the staged image.
const MaxSize = 60 * 1024

// Vector table bounds of a valid image: initial stack pointer in SRAM,
// reset handler in flash.
const (
	StackMin = 0x20000000
	StackMax = 0x20005000
	ResetMin = 0x00000001
	ResetMax = 0x00020000
)

var (
	ErrEmpty    = errors.New("firmware: empty image")
	ErrTooLarge = errors.New("firmware: image too large")
	ErrChecksum = errors.New("firmware: block checksum mismatch")
	ErrVectors  = errors.New("firmware: bad vector table")
)

// BlockFetcher fills buf with one whole block; engine.NewFirmwareFetcher
// provides the strict radio version.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, blockID int, info model.CheckInResult, buf []byte) error
}

// Notifier tells the access point the transfer succeeded.
type Notifier interface {
	SendTransferComplete(ctx context.Context) error
}

// Sink receives the staged bytes. *store.Staging implements it.
type Sink interface {
	io.WriterAt
	io.ReaderAt
}

// Result reports a finished download.
type Result struct {
	Size   uint32 `json:"size"`
	Blocks int    `json:"blocks"`
	SP     uint32 `json:"sp"`
	Reset  uint32 `json:"reset"`
}

// Download fetches every block of info into sink, verifies the vector table
// and only then sends transfer-complete.
func Download(ctx context.Context, f BlockFetcher, n Notifier, info model.CheckInResult, sink Sink) (Result, error) {
	log := appLog.With("firmware")
	size := int(info.Size)
	switch {
	case size == 0:
		return Result{}, ErrEmpty
	case size > MaxSize:
		return Result{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, MaxSize)
	}

	blocks := (size + proto.BlockSize - 1) / proto.BlockSize
	log.Info("download start", "size", size, "blocks", blocks, "version", fmt.Sprintf("%016x", info.Version))

	buf := make([]byte, proto.BlockBufferSize)
	for id := 0; id < blocks; id++ {
		if err := f.FetchBlock(ctx, id, info, buf); err != nil {
			return Result{}, fmt.Errorf("firmware: block %d: %w", id, err)
		}
		dataLen := min(size-id*proto.BlockSize, proto.BlockSize)
		data := buf[proto.BlockHeaderSize : proto.BlockHeaderSize+dataLen]
		hdr, err := proto.DecodeBlockHeader(buf)
		if err != nil {
			return Result{}, err
		}
		if got := proto.DataChecksum(data); got != hdr.Checksum {
			return Result{}, fmt.Errorf("%w: block %d has %04x, header says %04x", ErrChecksum, id, got, hdr.Checksum)
		}
		if _, err := sink.WriteAt(data, int64(id*proto.BlockSize)); err != nil {
			return Result{}, fmt.Errorf("firmware: stage block %d: %w", id, err)
		}
		log.Debug("block staged", "block", id, "bytes", dataLen)
	}

	res := Result{Size: info.Size, Blocks: blocks}
	sp, reset, err := readVectors(sink)
	if err != nil {
		return res, err
	}
	res.SP, res.Reset = sp, reset
	if err := CheckVectors(sp, reset); err != nil {
		return res, err
	}

	log.Info("all blocks ok, vectors valid", "sp", fmt.Sprintf("%08x", sp), "reset", fmt.Sprintf("%08x", reset))
	if err := n.SendTransferComplete(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func readVectors(r io.ReaderAt) (sp, reset uint32, err error) {
	var v [8]byte
	if _, err := r.ReadAt(v[:], 0); err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, fmt.Errorf("firmware: read vectors: %w", err)
	}
	return binary.LittleEndian.Uint32(v[0:4]), binary.LittleEndian.Uint32(v[4:8]), nil
}

// CheckVectors validates the first two vector table entries.
func CheckVectors(sp, reset uint32) error {
	if sp < StackMin || sp > StackMax || reset < ResetMin || reset > ResetMax {
		return fmt.Errorf("%w: SP=%08x RST=%08x", ErrVectors, sp, reset)
	}
	return nil
}
