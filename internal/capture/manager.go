package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/observability"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
)

// State is a snapshot of the recorder.
type State struct {
	Status   Status `json:"status"`
	Muted    bool   `json:"muted"`
	Strategy string `json:"strategy,omitempty"`
}

type ManagerOptions struct {
	// Strategies are tried in order on every Start.
	Strategies []Strategy
	Metrics    *observability.Metrics
	// OnState runs after every transition, outside the manager lock.
	OnState func(State)
}

// Manager owns at most one recording session at a time.
type Manager struct {
	strategies []Strategy
	metrics    *observability.Metrics
	onState    func(State)

	mu       sync.Mutex
	capture  Capture
	strategy string
	muted    bool
	starting bool
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		strategies: opts.Strategies,
		metrics:    opts.Metrics,
		onState:    opts.OnState,
	}
}

// Start opens the microphone with the first strategy that works.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.capture != nil || m.starting {
		m.mu.Unlock()
		return ErrAlreadyRecording
	}
	m.starting = true
	m.mu.Unlock()

	var (
		errs []error
		c    Capture
		name string
	)
	for _, s := range m.strategies {
		started, err := s.Start(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.clearStarting()
				return ctx.Err()
			}
			log.Printf("[capture] %s strategy unavailable: %v", s.Name(), err)
			m.metrics.ObserveRecording(s.Name(), "unavailable")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		c, name = started, s.Name()
		break
	}
	if c == nil {
		m.clearStarting()
		if len(errs) == 0 {
			errs = append(errs, errors.New("no capture strategies configured"))
		}
		return &MediaAccessError{Errs: errs}
	}

	m.mu.Lock()
	m.starting = false
	m.capture = c
	m.strategy = name
	m.muted = false
	st := m.stateLocked()
	m.mu.Unlock()

	log.Printf("[capture] recording started strategy=%s", name)
	m.publish(st)
	return nil
}

// Stop ends the recording and returns its payload. The session is discarded
// whether or not any audio was captured.
func (m *Manager) Stop() (audio.Payload, error) {
	m.mu.Lock()
	c, name := m.capture, m.strategy
	if c == nil {
		m.mu.Unlock()
		return audio.Payload{}, ErrNotRecording
	}
	m.capture = nil
	m.strategy = ""
	m.muted = false
	st := m.stateLocked()
	m.mu.Unlock()

	payload, err := c.Stop()
	m.publish(st)
	switch {
	case errors.Is(err, ErrNoAudio):
		m.metrics.ObserveRecording(name, "empty")
	case err != nil:
		m.metrics.ObserveRecording(name, "error")
	default:
		m.metrics.ObserveRecording(name, "ok")
		log.Printf("[capture] recording stopped strategy=%s bytes=%d", name, len(payload.Data))
	}
	return payload, err
}

// Mute keeps the session open but drops incoming audio.
func (m *Manager) Mute() error { return m.setMuted(true) }

func (m *Manager) Unmute() error { return m.setMuted(false) }

func (m *Manager) setMuted(muted bool) error {
	m.mu.Lock()
	if m.capture == nil {
		m.mu.Unlock()
		return ErrNotRecording
	}
	m.muted = muted
	m.capture.SetEnabled(!muted)
	st := m.stateLocked()
	m.mu.Unlock()
	m.publish(st)
	return nil
}

// Level is the live input level in [0,1]; zero when idle or muted.
func (m *Manager) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil {
		return 0
	}
	return m.capture.Level()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) clearStarting() {
	m.mu.Lock()
	m.starting = false
	m.mu.Unlock()
}

func (m *Manager) stateLocked() State {
	if m.capture == nil {
		return State{Status: StatusIdle}
	}
	return State{Status: StatusRecording, Muted: m.muted, Strategy: m.strategy}
}

func (m *Manager) publish(st State) {
	if m.onState != nil {
		m.onState(st)
	}
}
