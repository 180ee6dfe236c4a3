// Package cache keeps exactly one downloaded block per bitplane so the row
// pipeline can read arbitrary byte ranges of the content without holding the
// whole image.
package cache

import (
	"context"
	"fmt"

	appLog "epdtag/internal/log"
	"epdtag/internal/model"
	"epdtag/internal/proto"
)

// noBlock marks a plane buffer that holds nothing yet.
const noBlock = -1

// BlankFill is written over the data region of a block that could not be
// downloaded. A zero bit is "no ink" in both planes.
const BlankFill = 0x00

// Fetcher fills buf (proto.BlockBufferSize bytes, header included) with block
// blockID of the content described by info.
type Fetcher interface {
	FetchBlock(ctx context.Context, blockID int, info model.CheckInResult, buf []byte) error
}

// BlockSink receives every block that was fetched successfully.
type BlockSink interface {
	PutBlock(blockID int, buf []byte) error
}

type entry struct {
	id  int
	buf [proto.BlockBufferSize]byte
}

// Cache is owned by the cycle loop and used from one goroutine.
type Cache struct {
	fetcher  Fetcher
	sink     BlockSink
	info     model.CheckInResult
	planes   [2]entry
	failures int
	fetches  int
	log      appLog.Logger
}

func New(f Fetcher) *Cache {
	c := &Cache{fetcher: f, log: appLog.With("cache")}
	c.planes[model.PlaneBW].id = noBlock
	c.planes[model.PlaneRed].id = noBlock
	return c
}

// SetFetcher swaps the block source, e.g. radio vs. stored slot. It implies
// a Reset.
func (c *Cache) SetFetcher(f Fetcher, info model.CheckInResult) {
	c.fetcher = f
	c.Reset(info)
}

// SetSink installs (or with nil removes) the block sink.
func (c *Cache) SetSink(s BlockSink) {
	c.sink = s
}

// Reset forgets both cached blocks and the failure counter. It must run at
// the start of every transfer.
func (c *Cache) Reset(info model.CheckInResult) {
	c.info = info
	c.planes[model.PlaneBW].id = noBlock
	c.planes[model.PlaneRed].id = noBlock
	c.failures = 0
	c.fetches = 0
}

// Failures is the number of blocks blank-filled since the last Reset.
func (c *Cache) Failures() int { return c.failures }

// Fetches is the number of fetcher calls since the last Reset.
func (c *Cache) Fetches() int { return c.fetches }

// EnsureCached makes block blockID the current block of plane. A failed
// download is not an error: the data region is blank-filled, the id is
// recorded anyway so the block is not retried row after row, and Failures
// grows. Only context cancellation is returned.
func (c *Cache) EnsureCached(ctx context.Context, plane model.Plane, blockID int) error {
	if plane != model.PlaneBW && plane != model.PlaneRed {
		return fmt.Errorf("cache: unknown plane %d", plane)
	}
	e := &c.planes[plane]
	if e.id == blockID {
		return nil
	}

	c.fetches++
	err := c.fetcher.FetchBlock(ctx, blockID, c.info, e.buf[:])
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.id = noBlock
			return ctxErr
		}
		c.failures++
		c.log.Warn("block failed, blank-filling", "plane", plane, "block", blockID, "err", err)
		data := e.buf[proto.BlockHeaderSize:]
		for i := range data {
			data[i] = BlankFill
		}
		e.id = blockID
		return nil
	}

	e.id = blockID
	c.log.Debug("block cached", "plane", plane, "block", blockID)
	if c.sink != nil {
		if err := c.sink.PutBlock(blockID, e.buf[:]); err != nil {
			c.log.Warn("block sink failed", "block", blockID, "err", err)
		}
	}
	return nil
}

// GetBytes copies len(out) content bytes starting at offset into out, using
// the given plane's buffer. Ranges crossing a block boundary are split.
func (c *Cache) GetBytes(ctx context.Context, plane model.Plane, offset int, out []byte) error {
	if offset < 0 {
		return fmt.Errorf("cache: negative offset %d", offset)
	}
	for done := 0; done < len(out); {
		abs := offset + done
		id := abs / proto.BlockSize
		in := abs % proto.BlockSize
		if err := c.EnsureCached(ctx, plane, id); err != nil {
			return err
		}
		start := proto.BlockHeaderSize + in
		done += copy(out[done:], c.planes[plane].buf[start:])
	}
	return nil
}
