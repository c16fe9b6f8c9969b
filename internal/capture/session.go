// Package capture owns the capture session lifecycle.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"Go2NetSentry/internal/chunk"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

var (
	ErrAlreadyCapturing = errors.New("capture already running")
	ErrNotCapturing     = errors.New("capture not running")
)

// Buffer is the sink the capture loop feeds. It is implemented by chunk.Assembler.
type Buffer interface {
	SetLinkType(lt layers.LinkType)
	Ingest(rec model.CapturedRecord)
	Flush() (*model.Chunk, error)
	Discard() int
	Snapshot() chunk.Stats
}

// Status describes the session as seen by status endpoints and listeners.
type Status struct {
	Capturing    bool      `json:"is_capturing"`
	LoopAlive    bool      `json:"loop_alive"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	BufferSize   int       `json:"buffer_size"`
	TotalPackets uint64    `json:"total_packets"`
}

// StatusListener is notified after every Start and Stop.
type StatusListener interface {
	CaptureStatusChanged(status Status)
}

// Session runs at most one capture loop at a time.
type Session struct {
	factory      SourceFactory
	buffer       Buffer
	stopTimeout  time.Duration
	flushPartial bool
	listeners    []StatusListener
	logger       *zap.Logger

	// opMu serializes Start and Stop; mu guards the fields below.
	opMu      sync.Mutex
	mu        sync.Mutex
	capturing bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	loopErr   error
}

// NewSession creates an idle session.
func NewSession(capCfg config.CaptureConfig, chunkCfg config.ChunkConfig, factory SourceFactory, buffer Buffer, logger *zap.Logger, listeners ...StatusListener) *Session {
	stopTimeout := config.Duration(capCfg.StopTimeout)
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Session{
		factory:      factory,
		buffer:       buffer,
		stopTimeout:  stopTimeout,
		flushPartial: chunkCfg.FlushPartialOnStop,
		listeners:    listeners,
		logger:       logger.Named("capture"),
	}
}

// AddListener registers l for subsequent transitions.
func (s *Session) AddListener(l StatusListener) {
	s.opMu.Lock()
	s.listeners = append(s.listeners, l)
	s.opMu.Unlock()
}

// Start opens a new source and launches the capture loop. The loop is not
// bound to ctx's cancellation; only Stop ends it.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.capturing {
		s.mu.Unlock()
		return ErrAlreadyCapturing
	}
	if s.loopAliveLocked() {
		s.mu.Unlock()
		return fmt.Errorf("%w: previous capture loop has not exited yet", ErrAlreadyCapturing)
	}
	s.mu.Unlock()

	src, err := s.factory()
	if err != nil {
		return fmt.Errorf("failed to open capture source: %w", err)
	}

	if n := s.buffer.Discard(); n > 0 {
		s.logger.Info("Dropped stale partial buffer from previous session", zap.Int("packets", n))
	}
	lt := src.LinkType()
	s.buffer.SetLinkType(lt)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.capturing = true
	s.cancel = cancel
	s.done = done
	s.startedAt = time.Now()
	s.loopErr = nil
	s.mu.Unlock()

	go s.loop(loopCtx, src, done)

	metrics.CaptureActive.Set(1)
	s.logger.Info("Capture started", zap.String("link_type", lt.String()))
	s.notify()
	return nil
}

func (s *Session) loop(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)

	err := src.Run(ctx, s.buffer.Ingest)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.mu.Lock()
		s.loopErr = err
		s.mu.Unlock()
		s.logger.Error("Capture loop exited with error", zap.Error(err))
		return
	}
	if ctx.Err() == nil {
		s.logger.Info("Capture source exhausted")
	}
}

// Stop cancels the capture loop and waits up to the stop timeout for it to
// exit. With flush_partial_on_stop the partial buffer is sealed afterwards.
// A loop that outlives the timeout keeps Start failing until it exits.
func (s *Session) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return ErrNotCapturing
	}
	s.capturing = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("Capture loop did not exit within stop timeout", zap.Duration("timeout", s.stopTimeout))
	}

	if s.flushPartial {
		if c, err := s.buffer.Flush(); err != nil {
			s.logger.Error("Failed to flush partial chunk", zap.Error(err))
		} else if c != nil {
			s.logger.Info("Flushed partial chunk", zap.Uint64("chunk_index", c.Index), zap.Int("packets", c.Packets))
		}
	}

	metrics.CaptureActive.Set(0)
	s.logger.Info("Capture stopped", zap.Uint64("total_packets", s.buffer.Snapshot().TotalPackets))
	s.notify()
	return nil
}

// Done returns a channel closed when the current capture loop exits. It
// returns nil if no session was ever started.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status returns the session state merged with the buffer counters.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{Capturing: s.capturing, StartedAt: s.startedAt, LoopAlive: s.loopAliveLocked()}
	if s.loopErr != nil {
		st.LastError = s.loopErr.Error()
	}
	s.mu.Unlock()

	stats := s.buffer.Snapshot()
	st.BufferSize = stats.BufferSize
	st.TotalPackets = stats.TotalPackets
	return st
}

func (s *Session) loopAliveLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) notify() {
	status := s.Status()
	for _, l := range s.listeners {
		l.CaptureStatusChanged(status)
	}
}
