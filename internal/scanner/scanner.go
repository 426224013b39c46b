package scanner

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrDecoderUnavailable = errors.New("qr decoder not available")
	ErrScanActive         = errors.New("a scan is already running")
	ErrScanInactive       = errors.New("no scan is running")
)

// Scanner samples submitted frames at a bounded rate and hands decoded
// payloads to a callback. Frames arriving faster than the sampling interval
// are dropped, newest wins, so decode cost stays constant no matter how fast
// the panel pushes frames.
//
// Every way a scan can end converges here: a matched payload stops the loop
// via the callback's return value; explicit cancel, logout and shutdown call
// Stop, which is idempotent and safe to call concurrently.
type Scanner struct {
	dec      Decoder
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	frames  chan image.Image
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(dec Decoder, interval time.Duration, log zerolog.Logger) *Scanner {
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	return &Scanner{
		dec:      dec,
		interval: interval,
		log:      log,
	}
}

// Ready reports whether a decoder is wired. Scan initiation is gated on
// this instead of discovering the gap mid-scan.
func (s *Scanner) Ready() bool {
	return s.dec != nil
}

// Start begins the sampling loop. onPayload receives each decoded payload,
// trimmed, on the loop goroutine; returning true ends the scan from inside
// the loop, so a matched payload can finish the scan without the callback
// having to call Stop and wait on its own goroutine.
func (s *Scanner) Start(ctx context.Context, onPayload func(payload string) bool) error {
	if !s.Ready() {
		return ErrDecoderUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrScanActive
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.frames = make(chan image.Image, 1)
	s.done = make(chan struct{})

	go s.loop(loopCtx, cancel, s.frames, s.done, onPayload)
	return nil
}

// Push offers a frame to the running scan. It never blocks: when a frame is
// already waiting, the stale one is replaced.
func (s *Scanner) Push(frame image.Image) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrScanInactive
	}
	frames := s.frames
	s.mu.Unlock()

	for {
		select {
		case frames <- frame:
			return nil
		default:
		}
		select {
		case <-frames:
		default:
		}
	}
}

// Running reports whether a scan loop is live.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop tears the scan down and waits for the loop to exit. Calling it when
// nothing is running is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.clearLocked(done)
	s.mu.Unlock()

	cancel()
	<-done
}

// clearLocked resets the run fields if they still belong to the loop that
// owns done. Both Stop and a self-stopping loop funnel through it.
func (s *Scanner) clearLocked(done chan struct{}) {
	if s.done != done {
		return
	}
	s.running = false
	s.cancel = nil
	s.frames = nil
	s.done = nil
}

func (s *Scanner) loop(ctx context.Context, cancel context.CancelFunc, frames <-chan image.Image, done chan struct{}, onPayload func(payload string) bool) {
	defer close(done)
	defer cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var frame image.Image
		select {
		case frame = <-frames:
		default:
			continue
		}

		payload, err := s.dec.Decode(frame)
		if err != nil {
			if !errors.Is(err, ErrNoMatch) {
				s.log.Debug().Err(err).Msg("frame decode failed")
			}
			continue
		}

		if onPayload(strings.TrimSpace(payload)) {
			s.mu.Lock()
			s.clearLocked(done)
			s.mu.Unlock()
			return
		}
	}
}
