package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"periph.io/x/conn/v3/physic"

	"epdtag/internal/app"
	"epdtag/internal/config"
	"epdtag/internal/engine"
	"epdtag/internal/epd"
	appLog "epdtag/internal/log"
	"epdtag/internal/model"
	"epdtag/internal/proto"
	"epdtag/internal/radio"
	"epdtag/internal/splash"
	"epdtag/internal/store"
	"epdtag/internal/telemetry"
	"epdtag/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	dump       bool
	splash     bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("epdtag starting", "version", version)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	mac, err := conf.ParseMAC()
	if err != nil {
		appLog.Error("bad MAC", err)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"mac", mac,
		"radio_port", conf.Radio.Port,
		"channels", conf.Radio.Channels,
		"spi_port", conf.Panel.SPIPort,
		"checkin", conf.Schedule.CheckIn,
		"store_dir", conf.Store.Dir,
		"once", flags.once,
		"render_only", flags.renderOnly,
		"dump", flags.dump,
		"splash", flags.splash,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags, mac); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("epdtag failed", err)
		os.Exit(1)
	}
	appLog.Info("epdtag exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig, mac proto.MAC) error {
	tele := telemetry.DefaultReader(conf.Telemetry.I2CBus, conf.Telemetry.I2CAddr, conf.Telemetry.ThermalPath)
	id := engine.Identity{
		MAC:          mac,
		HWType:       conf.Tag.HWType,
		SWVersion:    conf.Tag.SWVersion,
		Capabilities: conf.Tag.Capabilities,
		CustomMode:   conf.Tag.CustomMode,
	}

	previewPath := ""
	if flags.dump {
		previewPath = filepath.Join(conf.Store.Dir, "preview.png")
		if err := os.MkdirAll(conf.Store.Dir, 0o755); err != nil {
			return err
		}
	}
	preview := epd.NewPreviewPanel(previewPath)

	panel, closePanel, err := openPanel(conf, flags, preview)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePanel(); err != nil {
			appLog.Warn("panel close failed", "err", err)
		}
	}()

	if flags.splash {
		st, err := tele.Read(ctx)
		if err != nil {
			st = telemetry.Status{VoltageMv: telemetry.DefaultVoltageMv, TemperatureC: telemetry.DefaultTemperatureC}
		}
		src, err := splash.Planes(splash.Info{MAC: mac, Status: st, SWVersion: conf.Tag.SWVersion})
		if err != nil {
			return err
		}
		if _, err := app.Display(ctx, panel, src, src.Info()); err != nil {
			return err
		}
		return panel.Sleep()
	}

	modem, err := radio.OpenModem(conf.Radio.Port, conf.Radio.Baud)
	if err != nil {
		return err
	}
	defer modem.Close()

	eng := engine.New(modem, id, tele,
		engine.WithChannels(conf.Radio.Channels),
		engine.WithTiming(engine.Timing{
			ScanWindow:    conf.Radio.ScanWindow.D(),
			CheckInWindow: conf.Radio.CheckInWindow.D(),
			BlockWindow:   conf.Radio.BlockWindow.D(),
			AckWindow:     conf.Radio.AckWindow.D(),
		}),
	)

	sched, err := app.ParseSchedule(conf.Schedule.CheckIn)
	if err != nil {
		return err
	}
	st := store.New(conf.Store.Dir, conf.Store.Slots)

	a := app.New(app.Config{
		Radio:     eng,
		Images:    engine.NewBlockFetcher(eng),
		Firmware:  engine.NewFirmwareFetcher(eng),
		Panel:     panel,
		Store:     st,
		Telemetry: tele,
		Identity:  id,
		Schedule:  sched,
		Backoff:   conf.Schedule.FailureBackoff.D(),
	})

	if flags.once {
		rep := a.RunCycle(ctx, model.WakeFirstBoot)
		if rep.Error != "" {
			return errors.New(rep.Error)
		}
		return nil
	}

	if conf.Listen != "" {
		srv := web.NewServer(conf, web.Deps{Status: a, Telemetry: tele, Preview: preview, Store: st})
		go func() {
			if err := srv.Serve(ctx); err != nil {
				appLog.Error("HTTP server failed", err)
			}
		}()
	}

	err = a.Run(ctx)
	// Give the HTTP server a moment to shut down.
	time.Sleep(100 * time.Millisecond)
	return err
}

// openPanel returns the panel to draw on: the preview alone in render-only
// mode, otherwise the UC8159 mirrored into the preview.
func openPanel(conf *config.Config, flags flagConfig, preview *epd.PreviewPanel) (epd.Panel, func() error, error) {
	if flags.renderOnly {
		return preview, func() error { return nil }, nil
	}
	o := epd.DefaultOpts
	o.Speed = physic.Frequency(conf.Panel.SpeedHz) * physic.Hertz
	o.BusyActiveLow = conf.Panel.BusyActiveLow
	o.InitTimeout = conf.Panel.InitTimeout.D()
	o.RefreshTimeout = conf.Panel.RefreshTimeout.D()

	d, closer, err := epd.Open(conf.Panel.SPIPort, epd.Pins{
		DC:   conf.Panel.DCPin,
		RST:  conf.Panel.RSTPin,
		Busy: conf.Panel.BusyPin,
	}, &o)
	if err != nil {
		return nil, nil, err
	}
	appLog.Info("panel opened", "panel", d.String())
	return epd.Mirror(d, preview), closer, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdtag/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one check-in cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render into the preview only; do not touch display hardware")
	flag.BoolVar(&cfg.dump, "dump", false, "Write every refreshed frame to preview.png in the store dir")
	flag.BoolVar(&cfg.splash, "splash", false, "Show the splash screen and exit")

	flag.Parse()

	return cfg
}
