package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// NoticeKind identifies what happened on a channel
type NoticeKind string

const (
	// NoticeAppended is published after an event is appended to a stream channel
	NoticeAppended NoticeKind = "appended"
	// NoticePushed is published after a payload is pushed to a list channel
	NoticePushed NoticeKind = "pushed"
	// NoticeDrained is published after a drain wrote records to the sink
	NoticeDrained NoticeKind = "drained"
)

// Notice is an in-process signal that a channel changed. It carries no
// payload; the store remains the source of truth.
type Notice struct {
	Kind      NoticeKind
	Channel   string
	EventID   string
	EventType string
	Count     int
	Timestamp time.Time
}

// Subscriber is a channel that receives notices
type Subscriber chan *Notice

// Broker fans notices out to subscribers. Publishing never blocks: notices
// are dropped when the broker or a subscriber is backed up.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	noticeCh    chan *Notice
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Int64
}

// NewBroker creates a new notice broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		noticeCh:    make(chan *Notice, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues a notice for all subscribers
func (b *Broker) Publish(notice *Notice) {
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now().UTC()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.noticeCh <- notice:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many notices were discarded because a buffer was full
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broker) run() {
	for {
		select {
		case notice := <-b.noticeCh:
			b.broadcast(notice)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(notice *Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- notice:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
