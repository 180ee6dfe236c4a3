// Package app runs the tag's wake cycle: scan, check-in, transfer, refresh,
// panel sleep, wait. It owns every subsystem for the duration of a cycle and
// publishes a snapshot of the last one for the status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"epdtag/internal/cache"
	"epdtag/internal/convert"
	"epdtag/internal/engine"
	"epdtag/internal/epd"
	"epdtag/internal/firmware"
	appLog "epdtag/internal/log"
	"epdtag/internal/model"
	"epdtag/internal/splash"
	"epdtag/internal/store"
	"epdtag/internal/telemetry"
)

// DefaultBackoff is the wait after a check-in nobody answered.
const DefaultBackoff = 30 * time.Second

// Radio is the part of *engine.Engine the cycle drives.
type Radio interface {
	ScanForPeer(ctx context.Context) (int, error)
	CheckIn(ctx context.Context, reason model.WakeReason) (model.CheckInResult, error)
	SendTransferComplete(ctx context.Context) error
	Session() engine.Session
}

// Action is what a cycle ended up putting on the panel.
type Action string

const (
	ActionNone     Action = "none"
	ActionImage    Action = "image"
	ActionStored   Action = "stored"
	ActionFirmware Action = "firmware"
	ActionSplash   Action = "splash"
)

// Report describes one finished cycle.
type Report struct {
	Started  time.Time            `json:"started"`
	Finished time.Time            `json:"finished"`
	Reason   model.WakeReason     `json:"wake_reason"`
	CheckIn  *model.CheckInResult `json:"checkin,omitempty"`
	Action   Action               `json:"action"`

	Rows          int  `json:"rows"`
	BlockFetches  int  `json:"block_fetches"`
	BlockFailures int  `json:"block_failures"`
	Committed     bool `json:"committed"`
	XferComplete  bool `json:"xfer_complete"`

	FirmwarePath string `json:"firmware_path,omitempty"`
	PanelError   string `json:"panel_error,omitempty"`
	Error        string `json:"error,omitempty"`

	NextWake time.Time `json:"next_wake"`
}

// Status is the snapshot served by the status API.
type Status struct {
	Cycles     int            `json:"cycles"`
	Last       *Report        `json:"last,omitempty"`
	Session    engine.Session `json:"session"`
	PanelState string         `json:"panel_state"`
}

// Config wires the cycle to its collaborators. Store may be nil; firmware
// downloads and stored-image fallback are then disabled.
type Config struct {
	Radio     Radio
	Images    cache.Fetcher
	Firmware  firmware.BlockFetcher
	Panel     epd.Panel
	Store     *store.Store
	Telemetry telemetry.Reader
	Identity  engine.Identity

	// Schedule decides the next wake when the access point does not.
	Schedule cron.Schedule
	Backoff  time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// App is the cycle loop. RunCycle and Run are not safe for concurrent use;
// Snapshot is.
type App struct {
	cfg   Config
	cache *cache.Cache
	log   appLog.Logger

	// displayed is set once anything reached the panel since boot.
	displayed bool
	// recoveryTried is set on the first panel use of a cycle.
	recoveryTried bool

	mu     sync.Mutex
	cycles int
	last   *Report
	sess   engine.Session
}

// ParseSchedule parses a cron-style check-in schedule ("*/5 * * * *",
// "@every 10m").
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("app: schedule %q: %w", spec, err)
	}
	return s, nil
}

func New(cfg Config) *App {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewFixedReader(telemetry.DefaultVoltageMv, telemetry.DefaultTemperatureC)
	}
	return &App{
		cfg:   cfg,
		cache: cache.New(cfg.Images),
		log:   appLog.With("app"),
	}
}

// Snapshot returns the status of the last finished cycle.
func (a *App) Snapshot() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Cycles: a.cycles, Session: a.sess}
	if a.last != nil {
		r := *a.last
		st.Last = &r
	}
	if a.cfg.Panel != nil {
		st.PanelState = a.cfg.Panel.State().String()
	}
	return st
}

// Run loops over cycles until ctx is cancelled. The first cycle reports a
// first-boot wake.
func (a *App) Run(ctx context.Context) error {
	reason := model.WakeFirstBoot
	for {
		rep := a.RunCycle(ctx, reason)
		reason = model.WakeTimed
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := rep.NextWake.Sub(a.cfg.Now())
		a.log.Info("sleeping until next check-in", "next", rep.NextWake.Format(time.RFC3339), "wait", wait.Round(time.Second))
		if err := a.cfg.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RunCycle performs one wake cycle and always returns a report, even when
// the radio or the panel failed.
func (a *App) RunCycle(ctx context.Context, reason model.WakeReason) Report {
	rep := Report{Started: a.cfg.Now(), Reason: reason, Action: ActionNone}
	a.recoveryTried = false
	a.log.Info("cycle start", "reason", fmt.Sprintf("0x%02x", uint8(reason)))

	if _, err := a.cfg.Radio.ScanForPeer(ctx); err != nil && !errors.Is(err, engine.ErrNoPeer) {
		a.log.Warn("scan failed", "err", err)
	}

	if reason == model.WakeFirstBoot {
		a.showSplash(ctx, &rep)
	}

	info, err := a.cfg.Radio.CheckIn(ctx, reason)
	switch {
	case err != nil:
		rep.Error = err.Error()
		a.log.Warn("check-in failed", "err", err)
		if !a.displayed {
			if !a.showStored(ctx, &rep) {
				a.showSplash(ctx, &rep)
			}
		}
	case info.Type == model.DataTypeFirmware && info.Size > 0:
		rep.CheckIn = &info
		a.downloadFirmware(ctx, info, &rep)
	case info.HasUpdate() && info.Type.IsImage():
		rep.CheckIn = &info
		a.receiveImage(ctx, info, &rep)
	default:
		rep.CheckIn = &info
		if info.HasUpdate() {
			a.log.Warn("unsupported content type, ignoring", "type", info.Type, "size", info.Size)
		}
		if !a.displayed {
			a.showStored(ctx, &rep)
		}
	}

	a.sleepPanel(&rep)

	rep.Finished = a.cfg.Now()
	rep.NextWake = a.nextWake(rep.Finished, info, err)
	a.publish(rep)
	a.log.Info("cycle done", "action", rep.Action, "rows", rep.Rows, "failures", rep.BlockFailures,
		"next", rep.NextWake.Format(time.RFC3339))
	return rep
}

func (a *App) nextWake(now time.Time, info model.CheckInResult, checkInErr error) time.Time {
	switch {
	case checkInErr != nil:
		return now.Add(a.cfg.Backoff)
	case info.NextCheckIn > 0:
		return now.Add(time.Duration(info.NextCheckIn) * time.Minute)
	case a.cfg.Schedule != nil:
		return a.cfg.Schedule.Next(now)
	default:
		return now.Add(a.cfg.Backoff)
	}
}

func (a *App) publish(rep Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycles++
	a.last = &rep
	a.sess = a.cfg.Radio.Session()
}

// receiveImage streams a new image from the radio onto the panel. Blocks are
// written to the store as they arrive; only a transfer that streamed every
// row without failed blocks is committed and acknowledged, so the access
// point offers anything else again.
func (a *App) receiveImage(ctx context.Context, info model.CheckInResult, rep *Report) {
	rep.Action = ActionImage
	a.cache.SetFetcher(a.cfg.Images, info)
	a.cache.SetSink(nil)

	var w *store.Writer
	if a.cfg.Store != nil {
		var err error
		if w, err = a.cfg.Store.Begin(info); err != nil {
			a.log.Warn("store unavailable, image will not be kept", "err", err)
			w = nil
		} else {
			a.cache.SetSink(w)
		}
	}

	rows, perr := a.display(ctx, a.cache, info)
	rep.Rows = rows
	rep.BlockFetches = a.cache.Fetches()
	rep.BlockFailures = a.cache.Failures()
	a.cache.SetSink(nil)
	if perr != nil {
		a.panelError(rep, perr)
	}
	if ctx.Err() != nil {
		if w != nil {
			w.Abort()
		}
		return
	}

	if rep.Rows != convert.Height || rep.BlockFailures > 0 {
		a.log.Warn("image incomplete, not acknowledging", "rows", rep.Rows, "failed_blocks", rep.BlockFailures)
		if w != nil {
			w.Abort()
		}
		return
	}

	if err := a.cfg.Radio.SendTransferComplete(ctx); err != nil {
		a.log.Warn("transfer complete failed", "err", err)
	} else {
		rep.XferComplete = true
	}
	if w != nil {
		if _, err := w.Commit(); err != nil {
			a.log.Warn("image not stored", "err", err)
		} else {
			rep.Committed = true
		}
	}
}

// showStored redisplays the newest valid stored image. It reports whether
// anything was shown.
func (a *App) showStored(ctx context.Context, rep *Report) bool {
	if a.cfg.Store == nil {
		return false
	}
	sl, err := a.cfg.Store.Latest()
	if err != nil {
		if !errors.Is(err, store.ErrNoImage) {
			a.log.Warn("stored image lookup failed", "err", err)
		}
		return false
	}
	f, err := a.cfg.Store.Open(sl)
	if err != nil {
		a.log.Warn("stored image unreadable", "slot", sl.Index, "err", err)
		return false
	}
	defer f.Close()

	a.log.Info("showing stored image", "slot", sl.Index, "version", fmt.Sprintf("%016x", sl.Meta.Version))
	rep.Action = ActionStored
	a.cache.SetFetcher(f, f.Info())
	a.cache.SetSink(nil)
	rows, perr := a.display(ctx, a.cache, f.Info())
	rep.Rows = rows
	// Next radio transfer must not see the slot's fetcher.
	a.cache.SetFetcher(a.cfg.Images, model.CheckInResult{})
	if perr != nil {
		a.panelError(rep, perr)
	}
	return true
}

func (a *App) showSplash(ctx context.Context, rep *Report) {
	st, err := a.cfg.Telemetry.Read(ctx)
	if err != nil {
		st = telemetry.Status{VoltageMv: telemetry.DefaultVoltageMv, TemperatureC: telemetry.DefaultTemperatureC}
	}
	sess := a.cfg.Radio.Session()
	src, err := splash.Planes(splash.Info{
		MAC:       a.cfg.Identity.MAC,
		Status:    st,
		PeerFound: sess.PeerFound,
		Channel:   sess.Channel,
		SWVersion: a.cfg.Identity.SWVersion,
	})
	if err != nil {
		a.log.Error("splash render failed", err)
		return
	}
	rep.Action = ActionSplash
	rows, perr := a.display(ctx, src, src.Info())
	rep.Rows = rows
	if perr != nil {
		a.panelError(rep, perr)
	}
}

func (a *App) downloadFirmware(ctx context.Context, info model.CheckInResult, rep *Report) {
	rep.Action = ActionFirmware
	if a.cfg.Store == nil || a.cfg.Firmware == nil {
		a.log.Warn("firmware offered but no staging area configured", "size", info.Size)
		return
	}
	if info.Size == 0 || info.Size > firmware.MaxSize {
		rep.Error = fmt.Sprintf("firmware size %d rejected", info.Size)
		a.log.Warn("firmware size rejected", "size", info.Size, "limit", firmware.MaxSize)
		return
	}
	st, err := a.cfg.Store.Staging(int64(info.Size))
	if err != nil {
		rep.Error = err.Error()
		a.log.Error("firmware staging failed", err)
		return
	}
	res, err := firmware.Download(ctx, a.cfg.Firmware, a.cfg.Radio, info, st)
	if err != nil {
		st.Discard()
		rep.Error = err.Error()
		a.log.Error("firmware download failed", err, "size", info.Size)
		return
	}
	rep.XferComplete = true
	path, err := st.Finalize(info)
	if err != nil {
		rep.Error = err.Error()
		a.log.Error("firmware finalize failed", err)
		return
	}
	rep.FirmwarePath = path
	a.log.Info("firmware staged", "path", path, "blocks", res.Blocks)
}

func (a *App) display(ctx context.Context, src convert.ByteSource, info model.CheckInResult) (int, error) {
	if a.cfg.Panel == nil {
		return 0, errors.New("app: no panel")
	}
	// A fault from an earlier cycle gets one forced re-init, on the cycle's
	// first panel use. A fault within this cycle ends panel work until the
	// next wake.
	if !a.recoveryTried {
		a.recoveryTried = true
		if a.cfg.Panel.State() == epd.Faulted {
			a.log.Warn("panel faulted, forcing re-init")
			if err := a.cfg.Panel.Initialize(ctx, true); err != nil {
				return 0, err
			}
		}
	}
	rows, err := Display(ctx, a.cfg.Panel, src, info)
	if rows == convert.Height {
		a.displayed = true
	}
	return rows, err
}

// Display runs one full frame into p: init (no-op when ready), pixel stream,
// refresh. Rows are always streamed; only the panel or ctx can fail here.
func Display(ctx context.Context, p epd.Panel, src convert.ByteSource, info model.CheckInResult) (int, error) {
	if p.State() == epd.Faulted {
		return 0, epd.ErrPanelFault
	}
	if err := p.Initialize(ctx, false); err != nil {
		return 0, err
	}
	if err := p.BeginPixelStream(); err != nil {
		return 0, err
	}
	rows, err := convert.StreamImage(ctx, src, info, p)
	if err != nil {
		_ = p.EndPixelStream()
		return rows, err
	}
	if err := p.EndPixelStream(); err != nil {
		return rows, err
	}
	return rows, p.Refresh(ctx)
}

func (a *App) panelError(rep *Report, err error) {
	rep.PanelError = err.Error()
	a.log.Error("panel error, continuing", err)
}

func (a *App) sleepPanel(rep *Report) {
	p := a.cfg.Panel
	if p == nil {
		return
	}
	switch p.State() {
	case epd.Faulted, epd.Sleeping, epd.Uninitialized:
		return
	}
	if err := p.Sleep(); err != nil && rep.PanelError == "" {
		a.panelError(rep, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
