package pipeline

import (
	"context"
	"errors"
	"sync"

	iface "TileDetServer/interface"

	"go.uber.org/atomic"
)

var ErrMailboxClosed = errors.New("frame mailbox closed")

// FrameMailbox holds at most one frame. A newer frame replaces an unconsumed one, which is
// released and counted as dropped.
type FrameMailbox struct {
	mu     sync.Mutex
	slot   *iface.Frame
	closed bool
	ready  chan struct{}

	dropped atomic.Uint64
	onDrop  func()
}

func NewFrameMailbox() *FrameMailbox {
	return &FrameMailbox{ready: make(chan struct{}, 1)}
}

// Put never blocks. Frames put after Close are released immediately.
func (m *FrameMailbox) Put(f *iface.Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		f.Close()
		return
	}
	old := m.slot
	m.slot = f
	m.mu.Unlock()

	if old != nil {
		old.Close()
		m.dropped.Inc()
		if m.onDrop != nil {
			m.onDrop()
		}
	}
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Take waits for a frame. A frame left in the slot is still handed out after Close,
// after that Take returns ErrMailboxClosed.
func (m *FrameMailbox) Take(ctx context.Context) (*iface.Frame, error) {
	for {
		m.mu.Lock()
		if f := m.slot; f != nil {
			m.slot = nil
			m.mu.Unlock()
			return f, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.ready:
		}
	}
}

func (m *FrameMailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Drain releases a frame nobody will take anymore.
func (m *FrameMailbox) Drain() {
	m.mu.Lock()
	f := m.slot
	m.slot = nil
	m.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

func (m *FrameMailbox) Dropped() uint64 {
	return m.dropped.Load()
}
