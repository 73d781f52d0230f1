package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/mossy-p/telepresence/internal/clock"
)

const (
	opusFrame  = 20 * time.Millisecond
	opusRate   = 48000
	defaultFPS = 30
)

// opusSilence is a single 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// opener checks path once and returns a function that reopens it for
// every loop iteration.
func opener(path string) (func() (io.ReadCloser, error), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(path, err)
	}
	f.Close()
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, classify(path, err)
		}
		return f, nil
	}, nil
}

// playIVF writes one pass of an IVF file, paced by its timebase.
func playIVF(ctx context.Context, clk clock.Clock, open func() (io.ReadCloser, error), track *webrtc.TrackLocalStaticSample) error {
	file, err := open()
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("reading ivf header: %w", err)
	}
	frameDuration := time.Second / defaultFPS
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	ticker := clk.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading ivf frame: %w", err)
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("writing video sample: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// playOgg writes one pass of an Ogg/Opus file page by page.
func playOgg(ctx context.Context, clk clock.Clock, open func() (io.ReadCloser, error), track *webrtc.TrackLocalStaticSample) error {
	file, err := open()
	if err != nil {
		return err
	}
	defer file.Close()

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("reading ogg header: %w", err)
	}

	ticker := clk.NewTicker(opusFrame)
	defer ticker.Stop()
	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading ogg page: %w", err)
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / opusRate
		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("writing audio sample: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// playSilence keeps the audio track alive so the remote sees a stream.
func playSilence(ctx context.Context, clk clock.Clock, track *webrtc.TrackLocalStaticSample) {
	ticker := clk.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
