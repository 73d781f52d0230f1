// telepresence joins a room on the signaling broker and links this
// device to the peer that shares the room code.
//
// On a controller, the terminal UI drives the remote over the control
// data channel. On the robot, --headless runs without a UI and forwards
// received commands to a micro:bit over Bluetooth, with the safety
// watchdog stopping it when control traffic goes quiet.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/mossy-p/telepresence/config"
	"github.com/mossy-p/telepresence/internal/bridge"
	"github.com/mossy-p/telepresence/internal/bridge/ble"
	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/logging"
	"github.com/mossy-p/telepresence/internal/media"
	"github.com/mossy-p/telepresence/internal/messaging"
	"github.com/mossy-p/telepresence/internal/session"
	"github.com/mossy-p/telepresence/internal/transport/rtc"
	"github.com/mossy-p/telepresence/internal/tui"
	"github.com/mossy-p/telepresence/internal/watchdog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	cfg := config.DefaultAgent()
	flagSet := pflag.NewFlagSet("telepresence", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flagSet.StringVarP(&cfg.Room, "room", "r", "", "room code shared with the other device")
	flagSet.StringVar(&cfg.Broker.URL, "broker", cfg.Broker.URL, "signaling broker websocket url")
	flagSet.BoolVar(&cfg.Broker.Loopback, "loopback", false, "offer loopback ICE candidates (both devices on one machine)")
	flagSet.BoolVar(&cfg.Headless, "headless", false, "run without the terminal UI and connect immediately")
	flagSet.BoolVar(&cfg.Bridge.Connect, "microbit", false, "connect to the micro:bit at startup")
	flagSet.BoolVar(&cfg.Bridge.Enable, "bridge", false, "forward received commands to the micro:bit (implies --microbit)")
	flagSet.BoolVar(&cfg.Bridge.TagLines, "tag-lines", false, "prefix bridge lines with ID <n> to measure device latency")
	flagSet.StringVar(&cfg.Media.Video, "video", "", "IVF (VP8) file looped as the outgoing video")
	flagSet.StringVar(&cfg.Media.Audio, "audio", "", "Ogg (Opus) file looped as the outgoing audio")
	flagSet.BoolVar(&cfg.Media.Disabled, "no-media", false, "offer no local tracks")
	flagSet.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	flagSet.StringVar(&cfg.Log.File, "log-file", "", "also append log lines to this file")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(os.Stderr, "Usage: telepresence [flags]")
		flagSet.SetOutput(os.Stderr)
		flagSet.PrintDefaults()
		return nil
	}

	if configPath != "" {
		fileCfg, err := config.LoadAgent(configPath)
		if err != nil {
			return err
		}
		// Flags given on the command line win over the file.
		overlay(fileCfg, cfg, flagSet)
		cfg = fileCfg
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Headless && strings.TrimSpace(cfg.Room) == "" {
		return errors.New("--room is required with --headless")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newAgent(cfg).run(ctx)
}

// overlay copies the values of explicitly set flags from flags into dst.
func overlay(dst, flags *config.Agent, set *pflag.FlagSet) {
	changed := set.Changed
	if changed("room") {
		dst.Room = flags.Room
	}
	if changed("broker") {
		dst.Broker.URL = flags.Broker.URL
	}
	if changed("loopback") {
		dst.Broker.Loopback = flags.Broker.Loopback
	}
	if changed("headless") {
		dst.Headless = flags.Headless
	}
	if changed("microbit") {
		dst.Bridge.Connect = flags.Bridge.Connect
	}
	if changed("bridge") {
		dst.Bridge.Enable = flags.Bridge.Enable
	}
	if changed("tag-lines") {
		dst.Bridge.TagLines = flags.Bridge.TagLines
	}
	if changed("video") {
		dst.Media.Video = flags.Media.Video
	}
	if changed("audio") {
		dst.Media.Audio = flags.Media.Audio
	}
	if changed("no-media") {
		dst.Media.Disabled = flags.Media.Disabled
	}
	if changed("log-level") {
		dst.Log.Level = flags.Log.Level
	}
	if changed("log-file") {
		dst.Log.File = flags.Log.File
	}
}

type agent struct {
	cfg *config.Agent
}

func newAgent(cfg *config.Agent) *agent {
	return &agent{cfg: cfg}
}

func (a *agent) run(ctx context.Context) error {
	cfg := a.cfg

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	var sinks logging.Tee
	var programSink *tui.ProgramSink
	if cfg.Headless {
		sinks = append(sinks, logging.NewWriterSink(os.Stderr))
	} else {
		programSink = tui.NewProgramSink()
		sinks = append(sinks, programSink)
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		sinks = append(sinks, logging.NewWriterSink(f))
	}
	logger := slog.New(logging.NewEventHandler(level, sinks))
	clk := clock.Real()

	network, err := rtc.NewNetwork(rtc.Config{
		BrokerURL:     cfg.Broker.URL,
		ICEServers:    iceServers(cfg.Broker.ICEServers),
		Heartbeat:     cfg.Broker.Heartbeat,
		GatherTimeout: cfg.Broker.GatherTimeout,
		Loopback:      cfg.Broker.Loopback,
	}, logger, logging.NewPionFactory(logger))
	if err != nil {
		return err
	}

	// The bridge and the watchdog refer to each other: the watchdog stops
	// through the bridge, and the bridge runs the watchdog while enabled.
	var wd *watchdog.Watchdog
	dialer := ble.NewDialer(ble.Config{
		NamePrefix:  cfg.Bridge.NamePrefix,
		Service:     cfg.Bridge.Service,
		WriteChar:   cfg.Bridge.WriteChar,
		NotifyChar:  cfg.Bridge.NotifyChar,
		ScanTimeout: cfg.Bridge.ScanTimeout,
	}, logger)
	br := bridge.New(bridge.Config{
		ChunkSize:  cfg.Bridge.ChunkSize,
		ChunkDelay: cfg.Bridge.ChunkDelay,
		RTTWindow:  cfg.Messaging.RTTWindow,
		TagLines:   cfg.Bridge.TagLines,
	}, dialer, clk, logger, func(st bridge.State) {
		wd.Follow(ctx, st.Enabled)
		if programSink != nil {
			programSink.BridgeChanged(st)
		}
	})
	wd = watchdog.New(watchdog.Config{
		Inactivity:    cfg.Safety.Inactivity,
		CheckInterval: cfg.Safety.CheckInterval,
	}, clk, br, logger)
	defer wd.Stop()

	opts := session.Options{
		Network: network,
		Media:   media.New(media.Config{VideoFile: cfg.Media.Video, AudioFile: cfg.Media.Audio, Disabled: cfg.Media.Disabled}, clk, logger),
		Clock:   clk,
		Logger:  logger,
		Messaging: messaging.Config{
			AckTimeout:    cfg.Messaging.AckTimeout,
			SweepInterval: cfg.Messaging.SweepInterval,
		},
		RTTWindow:        cfg.Messaging.RTTWindow,
		MaxGuestAttempts: cfg.Broker.MaxGuestAttempts,
		Safety:           wd,
		Bridge:           br,
	}
	if programSink != nil {
		opts.Notify = programSink.Notify
		opts.Fullscreen = programSink.Fullscreen
	}
	manager := session.New(opts)
	defer br.Disconnect()
	defer manager.Hangup()

	if cfg.Headless {
		return a.headless(ctx, logger, manager, br)
	}

	if cfg.Bridge.Connect {
		go func() {
			if err := a.startBridge(ctx, logger, br); err != nil {
				logger.Warn("micro:bit setup failed", "dir", "SYS", "src", "MB", "error", err)
			}
		}()
	}
	return tui.Run(tui.Options{
		Context: ctx,
		Room:    cfg.Room,
		Session: manager,
		Bridge:  br,
	}, programSink)
}

func (a *agent) startBridge(ctx context.Context, logger *slog.Logger, br *bridge.Bridge) error {
	if err := br.Connect(ctx); err != nil {
		return err
	}
	if a.cfg.Bridge.Enable {
		if err := br.Enable(); err != nil {
			return err
		}
		logger.Info("bridge enabled", "dir", "SYS", "src", "MB")
	}
	return nil
}

func (a *agent) headless(ctx context.Context, logger *slog.Logger, manager *session.Manager, br *bridge.Bridge) error {
	if a.cfg.Bridge.Connect {
		if err := a.startBridge(ctx, logger, br); err != nil {
			return err
		}
	}

	if err := manager.Connect(ctx, a.cfg.Room); err != nil {
		return err
	}
	logger.Info("joined room "+a.cfg.Room, "dir", "SYS", "src", "APP", "role", manager.Status().Role)

	<-ctx.Done()
	logger.Info("shutting down", "dir", "SYS", "src", "APP")
	return nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
