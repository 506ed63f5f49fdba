// Package broadcast fans state snapshots out to live viewer connections.
package broadcast

import (
	"sync"

	"soundmachine/pkg/protocol"

	"go.uber.org/zap"
)

// QueueSize is how many snapshots may wait for a slow subscriber before it
// is dropped
const QueueSize = 8

// Subscriber is one live viewer connection
type Subscriber interface {
	// Send writes one snapshot. An error drops the subscriber.
	Send(snap protocol.Snapshot) error
	// Close is called once when the subscriber leaves the registry
	Close()
}

type member struct {
	id    string
	sub   Subscriber
	queue chan protocol.Snapshot
	done  chan struct{}
}

// Broadcaster is a registry of subscribers. Publish never blocks: every
// member has its own queue and writer goroutine, so one slow or broken
// connection cannot delay the others.
type Broadcaster struct {
	logger  *zap.Logger
	mu      sync.Mutex
	members map[string]*member
	closed  bool
}

// NewBroadcaster creates an empty Broadcaster
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger.Named("broadcast"),
		members: make(map[string]*member),
	}
}

// Add registers sub under id and queues initial as its first snapshot. An
// existing subscriber with the same id is replaced. After Close, sub is
// closed right away.
func (b *Broadcaster) Add(id string, sub Subscriber, initial protocol.Snapshot) {
	m := &member{
		id:    id,
		sub:   sub,
		queue: make(chan protocol.Snapshot, QueueSize),
		done:  make(chan struct{}),
	}
	m.queue <- initial

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		b.logger.Debug("Subscriber rejected after close", zap.String("id", id))
		return
	}
	old := b.members[id]
	if old != nil {
		close(old.queue)
	}
	b.members[id] = m
	count := len(b.members)
	b.mu.Unlock()

	go b.write(m)

	b.logger.Debug("Subscriber added",
		zap.String("id", id),
		zap.Int("subscribers", count))
}

// Remove unregisters id and waits for its writer to finish
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	m := b.members[id]
	if m != nil {
		delete(b.members, id)
		close(m.queue)
	}
	b.mu.Unlock()

	if m == nil {
		return
	}
	<-m.done
	b.logger.Debug("Subscriber removed", zap.String("id", id))
}

// Publish queues snap for every subscriber. Subscribers whose queue is full
// are dropped.
func (b *Broadcaster) Publish(snap protocol.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, m := range b.members {
		select {
		case m.queue <- snap:
		default:
			b.logger.Warn("Subscriber too slow, dropping", zap.String("id", id))
			delete(b.members, id)
			close(m.queue)
		}
	}
}

// Len returns the number of live subscribers
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// Close drops every subscriber and refuses new ones
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	members := make([]*member, 0, len(b.members))
	for id, m := range b.members {
		delete(b.members, id)
		close(m.queue)
		members = append(members, m)
	}
	b.mu.Unlock()

	for _, m := range members {
		<-m.done
	}
}

func (b *Broadcaster) write(m *member) {
	defer close(m.done)
	defer m.sub.Close()

	failed := false
	for snap := range m.queue {
		if failed {
			continue
		}
		if err := m.sub.Send(snap); err != nil {
			b.logger.Debug("Subscriber write failed, dropping",
				zap.String("id", m.id),
				zap.Error(err))
			failed = true
			b.drop(m)
		}
	}
}

// drop unregisters m if it is still the member for its id, without waiting
// on its writer
func (b *Broadcaster) drop(m *member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[m.id] == m {
		delete(b.members, m.id)
		close(m.queue)
	}
}
