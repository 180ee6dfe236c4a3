package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"epdtag/internal/model"
	"epdtag/internal/proto"
)

// Image block retry constants. The partial-acceptance threshold is tuned
// against the access point's own retry behaviour; keep the numbers as they
// are.
const (
	// ImageMaxAttempts is the number of block requests per image block.
	ImageMaxAttempts = 15
	// ImagePartialParts is the part count accepted once ImagePartialAfter
	// attempts have been made.
	ImagePartialParts = 41
	// ImagePartialAfter is the attempt count from which ImagePartialParts
	// is good enough.
	ImagePartialAfter = 8
	// ImageInitialBackoff is the delay before the second attempt.
	ImageInitialBackoff = 500 * time.Millisecond
	// ImageMaxBackoff caps the linear escalation.
	ImageMaxBackoff = 2 * time.Second
)

// Firmware block retry constants. Firmware never accepts a missing part.
const (
	FirmwareMaxAttempts = 20
	FirmwareBackoff     = 500 * time.Millisecond
)

// ErrBlockIncomplete is returned when a block did not reach the policy's
// acceptance threshold within its attempt budget.
var ErrBlockIncomplete = errors.New("engine: block incomplete")

// Policy decides when a partially received block is good enough and how long
// to wait between attempts.
type Policy struct {
	Name         string
	MaxAttempts  int
	PartialParts int // 0 disables partial acceptance
	PartialAfter int
	Backoff      time.Duration
	MaxBackoff   time.Duration
	Escalate     bool
}

var (
	ImagePolicy = Policy{
		Name:         "image",
		MaxAttempts:  ImageMaxAttempts,
		PartialParts: ImagePartialParts,
		PartialAfter: ImagePartialAfter,
		Backoff:      ImageInitialBackoff,
		MaxBackoff:   ImageMaxBackoff,
		Escalate:     true,
	}
	FirmwarePolicy = Policy{
		Name:        "firmware",
		MaxAttempts: FirmwareMaxAttempts,
		Backoff:     FirmwareBackoff,
		MaxBackoff:  FirmwareBackoff,
	}
)

// Accept reports whether a block with the given number of received parts is
// complete after the given number of attempts.
func (p Policy) Accept(parts, attempts int) bool {
	if parts >= proto.PartsPerBlock {
		return true
	}
	return p.PartialParts > 0 && attempts >= p.PartialAfter && parts >= p.PartialParts
}

// Delay is the wait before attempt number n (n >= 1; attempt 0 goes out
// immediately).
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if !p.Escalate {
		return p.Backoff
	}
	d := p.Backoff * time.Duration(n)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Progress is the resumable state of one block download.
type Progress struct {
	Parts    proto.Parts
	Attempts int
}

// Downloader runs the attempt loop of a Policy on top of RequestBlock.
type Downloader struct {
	Engine *Engine
	Policy Policy
}

// Fetch requests block blockID until the policy accepts it or the attempt
// budget is spent. The acceptance check runs before every request, so a
// progress that is already good enough sends nothing. buf must hold at least
// one block buffer.
func (d Downloader) Fetch(ctx context.Context, blockID int, info model.CheckInResult, buf []byte, pr *Progress) error {
	log := d.Engine.log
	for {
		got := pr.Parts.Count()
		if d.Policy.Accept(got, pr.Attempts) {
			if got < proto.PartsPerBlock {
				log.Warn("block accepted with missing part",
					"block", blockID, "parts", got, "attempts", pr.Attempts, "policy", d.Policy.Name)
			}
			return nil
		}
		if pr.Attempts >= d.Policy.MaxAttempts {
			return fmt.Errorf("%w: block %d has %d/%d parts after %d attempts",
				ErrBlockIncomplete, blockID, got, proto.PartsPerBlock, pr.Attempts)
		}
		if pr.Attempts > 0 {
			if err := d.Engine.sleep(ctx, d.Policy.Delay(pr.Attempts)); err != nil {
				return err
			}
		}
		pr.Attempts++
		n, err := d.Engine.RequestBlock(ctx, blockID, info.Version, info.Type, buf, &pr.Parts)
		if err != nil {
			return err
		}
		log.Debug("block attempt", "block", blockID, "attempt", pr.Attempts, "parts", n)
	}
}

// BlockFetcher serves whole blocks from the radio. It implements
// cache.Fetcher.
type BlockFetcher struct {
	Downloader Downloader
	// Fill is written over the buffer before every fetch, so a part that
	// never arrives reads as Fill rather than as a leftover of the previous
	// block.
	Fill byte
}

// NewBlockFetcher returns a fetcher using the image policy. Missing parts
// read as zero, which is "no ink".
func NewBlockFetcher(e *Engine) *BlockFetcher {
	return &BlockFetcher{Downloader: Downloader{Engine: e, Policy: ImagePolicy}}
}

// NewFirmwareFetcher returns a strict fetcher whose buffer starts out as
// erased flash.
func NewFirmwareFetcher(e *Engine) *BlockFetcher {
	return &BlockFetcher{Downloader: Downloader{Engine: e, Policy: FirmwarePolicy}, Fill: 0xFF}
}

// FetchBlock starts every call from an empty progress.
func (f *BlockFetcher) FetchBlock(ctx context.Context, blockID int, info model.CheckInResult, buf []byte) error {
	for i := range buf {
		buf[i] = f.Fill
	}
	var pr Progress
	return f.Downloader.Fetch(ctx, blockID, info, buf, &pr)
}
