// Package notify delivers progress events to the caller without ever
// failing the request that emits them.
//
// Transport failures are absorbed: a broken or closed session downgrades
// every send to a logged no-op. Terminal events get shielded delivery, so
// a request being cancelled still reports its final progress state instead
// of leaving the caller with a stalled progress bar.
package notify

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// shieldTimeout bounds a shielded terminal send so it cannot hang a
// cancelled request indefinitely.
const shieldTimeout = 5 * time.Second

// DefaultTotal is used when an event does not carry an explicit total.
const DefaultTotal = 100.0

// Event is one progress update correlated to a request by its token.
type Event struct {
	// Token is the caller-supplied opaque identifier, a string or integer.
	Token any

	// Progress is the current progress value, clamped into [0, Total]
	// before transmission.
	Progress float64

	// Total is the progress scale; zero selects DefaultTotal.
	Total float64

	// Final marks the terminal event of a request. It is delivered at
	// most once and shielded from cancellation.
	Final bool
}

// Sink is the transport capability the manager depends on. The protocol
// server implements it.
type Sink interface {
	SendProgress(ctx context.Context, e Event) error
}

// Manager owns notification delivery for one request. Safe for concurrent
// use. The zero value is not usable; construct with NewManager.
type Manager struct {
	sink   Sink
	logger zerolog.Logger

	closed    atomic.Bool
	finalSent atomic.Bool
}

// NewManager wraps a sink. A nil sink yields a manager whose sends are all
// no-ops, which lets callers skip nil checks when no progress token was
// supplied.
func NewManager(sink Sink, logger zerolog.Logger) *Manager {
	return &Manager{sink: sink, logger: logger}
}

// Closed reports whether the manager has been closed.
func (m *Manager) Closed() bool {
	return m.closed.Load()
}

// Close marks the manager closed; subsequent sends are dropped.
func (m *Manager) Close() {
	m.closed.Store(true)
}

// Send validates and delivers one event, reporting whether it went out.
// It never returns an error: malformed events and transport failures are
// logged and reported as false. Terminal events run to completion (or
// their own short timeout) even while ctx is being cancelled.
func (m *Manager) Send(ctx context.Context, e Event) bool {
	if m.sink == nil || m.closed.Load() {
		return false
	}

	if !validToken(e.Token) {
		m.logger.Error().Interface("token", e.Token).Msg("invalid progress token type, dropping notification")
		return false
	}
	if math.IsNaN(e.Progress) || math.IsInf(e.Progress, 0) || math.IsNaN(e.Total) || math.IsInf(e.Total, 0) {
		m.logger.Error().Float64("progress", e.Progress).Float64("total", e.Total).Msg("non-finite progress values, dropping notification")
		return false
	}

	if e.Total <= 0 {
		e.Total = DefaultTotal
	}
	e.Progress = clamp(e.Progress, 0, e.Total)

	if e.Final {
		if !m.finalSent.CompareAndSwap(false, true) {
			m.logger.Debug().Msg("terminal notification already sent, dropping duplicate")
			return false
		}
		// Shield the terminal send from the request's cancellation.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shieldTimeout)
		defer cancel()
		return m.deliver(sctx, e)
	}

	return m.deliver(ctx, e)
}

func (m *Manager) deliver(ctx context.Context, e Event) bool {
	if err := m.sink.SendProgress(ctx, e); err != nil {
		m.logger.Warn().Err(err).Float64("progress", e.Progress).Msg("failed to send progress notification")
		return false
	}
	return true
}

// validToken accepts the token types the protocol allows: strings and
// integers. JSON numbers arrive as float64 and pass when integral.
func validToken(token any) bool {
	switch v := token.(type) {
	case string:
		return true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == math.Trunc(v)
	default:
		return false
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
