// Package media provides local tracks offered on calls: silence, or
// VP8/Opus files looped in real time.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/telepresence/internal/clock"
)

// ErrPermissionDenied means local media could not be opened.
var ErrPermissionDenied = errors.New("media: permission denied")

// Source acquires local media for a session.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// Stream is a set of local tracks fed by background writers until Stop.
type Stream struct {
	tracks []webrtc.TrackLocal
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	return s.tracks
}

// Stop halts every writer and waits for them.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func newStream(ctx context.Context) (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{cancel: cancel}, ctx
}

func (s *Stream) run(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Config picks the local media. Empty file paths produce silence.
type Config struct {
	VideoFile string // IVF, VP8
	AudioFile string // Ogg, Opus
	Disabled  bool
}

// New returns the Source described by cfg.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) Source {
	if cfg.Disabled {
		return None{}
	}
	return &Files{cfg: cfg, clock: clk, logger: logger}
}

// None offers no tracks; calls are receive-only.
type None struct{}

func (None) Acquire(ctx context.Context) (*Stream, error) {
	return &Stream{}, nil
}

// Denied always fails, like a user refusing camera access.
type Denied struct{}

func (Denied) Acquire(ctx context.Context) (*Stream, error) {
	return nil, ErrPermissionDenied
}

// Files plays IVF/Ogg files, or silence for an unset audio file.
type Files struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

func (f *Files) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Playback outlives the acquiring call; Stream.Stop ends it.
	stream, playCtx := newStream(context.Background())
	streamID := "telepresence-" + uuid.NewString()[:8]

	if f.cfg.VideoFile != "" {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("creating video track: %w", err)
		}
		open, err := opener(f.cfg.VideoFile)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.tracks = append(stream.tracks, track)
		stream.run(func() { f.loop(playCtx, "video", func() error { return playIVF(playCtx, f.clock, open, track) }) })
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		stream.Stop()
		return nil, fmt.Errorf("creating audio track: %w", err)
	}
	stream.tracks = append(stream.tracks, audio)

	if f.cfg.AudioFile != "" {
		open, err := opener(f.cfg.AudioFile)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.run(func() { f.loop(playCtx, "audio", func() error { return playOgg(playCtx, f.clock, open, audio) }) })
	} else {
		stream.run(func() { playSilence(playCtx, f.clock, audio) })
	}

	f.logger.Info("local media ready", "dir", "SYS", "src", "APP", "tracks", len(stream.tracks))
	return stream, nil
}

// loop replays a file until ctx is done or playback fails.
func (f *Files) loop(ctx context.Context, kind string, play func() error) {
	for ctx.Err() == nil {
		if err := play(); err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("playback stopped", "dir", "SYS", "src", "APP", "kind", kind, "error", err)
			}
			return
		}
	}
}

func classify(path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s: %w", path, ErrPermissionDenied)
	}
	return fmt.Errorf("opening %s: %w", path, err)
}
