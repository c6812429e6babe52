package pipeline

import (
	"errors"
	"sync"

	iface "TileDetServer/interface"

	"go.uber.org/atomic"
)

var (
	ErrSubscriberExists   = errors.New("subscriber id already exists")
	ErrSubscriberNotFound = errors.New("subscriber id not found")
	ErrBusClosed          = errors.New("result bus is closed")
)

// ResultBus is a single slot, last write wins observable of merged result sets.
// Subscribers get a channel of capacity one, an unread set is replaced by the newer one.
type ResultBus struct {
	mu          sync.RWMutex
	latest      *iface.ResultSet
	subscribers map[string]chan iface.ResultSet
	stats       map[string]*subscriberStats
	closed      bool

	published  atomic.Uint64
	superseded atomic.Uint64
}

type subscriberStats struct {
	sent     atomic.Uint64
	replaced atomic.Uint64
}

type BusStats struct {
	Published   uint64                     `json:"published"`
	Superseded  uint64                     `json:"superseded"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

type SubscriberStats struct {
	Sent     uint64 `json:"sent"`
	Replaced uint64 `json:"replaced"`
}

func NewResultBus() *ResultBus {
	return &ResultBus{
		subscribers: make(map[string]chan iface.ResultSet),
		stats:       make(map[string]*subscriberStats),
	}
}

// Publish replaces the latest set. A set older than the latest one, by frame Seq, is
// discarded and Publish reports false.
func (b *ResultBus) Publish(set iface.ResultSet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.latest != nil && set.Seq < b.latest.Seq {
		b.superseded.Inc()
		return false
	}
	b.latest = &set
	b.published.Inc()
	for id, ch := range b.subscribers {
		b.offer(id, ch, set)
	}
	return true
}

// offer must run with b.mu held for writing, it is the only sender on ch.
func (b *ResultBus) offer(id string, ch chan iface.ResultSet, set iface.ResultSet) {
	st := b.stats[id]
	select {
	case ch <- set:
		st.sent.Inc()
		return
	default:
	}
	select {
	case <-ch:
		st.replaced.Inc()
	default:
	}
	ch <- set
	st.sent.Inc()
}

func (b *ResultBus) Latest() (iface.ResultSet, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return iface.ResultSet{}, false
	}
	return *b.latest, true
}

// Subscribe registers id. The channel starts with the latest set when there is one.
func (b *ResultBus) Subscribe(id string) (<-chan iface.ResultSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subscribers[id]; ok {
		return nil, ErrSubscriberExists
	}
	ch := make(chan iface.ResultSet, 1)
	b.subscribers[id] = ch
	b.stats[id] = &subscriberStats{}
	if b.latest != nil {
		b.offer(id, ch, *b.latest)
	}
	return ch, nil
}

// Unsubscribe closes the subscriber's channel.
func (b *ResultBus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	close(ch)
	delete(b.subscribers, id)
	delete(b.stats, id)
	return nil
}

func (b *ResultBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := BusStats{
		Published:   b.published.Load(),
		Superseded:  b.superseded.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.stats)),
	}
	for id, st := range b.stats {
		s.Subscribers[id] = SubscriberStats{Sent: st.sent.Load(), Replaced: st.replaced.Load()}
	}
	return s
}

// Close ends every subscription. Later publishes are ignored.
func (b *ResultBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
		delete(b.stats, id)
	}
}
