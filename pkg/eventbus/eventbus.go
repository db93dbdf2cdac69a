// Package eventbus publishes Forget/Update/New lifecycle events and delivers
// them to pattern subscribers with replay from a persistent journal.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind is the lifecycle event type.
type Kind string

const (
	KindNew    Kind = "new"
	KindUpdate Kind = "update"
	KindForget Kind = "forget"
)

// Event is one bus message. Seq is assigned by the single publisher and
// never reused.
type Event struct {
	Seq  int64     `json:"seq"`
	Kind Kind      `json:"kind"`
	RID  string    `json:"rid"`
	CID  string    `json:"cid"`
	TS   time.Time `json:"ts"`
}

// DeliveryMode selects the redelivery contract.
type DeliveryMode string

const (
	AtLeastOnce DeliveryMode = "atLeastOnce"
	AtMostOnce  DeliveryMode = "atMostOnce"
)

var ErrSubscriberExists = errors.New("subscriber id already registered")

// Bus fans journal events out to subscribers. Publishing and sequence
// assignment are serialized; delivery runs on one goroutine per subscriber.
type Bus struct {
	journal Journal
	logger  *slog.Logger

	mu   sync.Mutex
	seq  int64
	subs map[string]*Subscription
}

// New restores the sequence counter from the journal tail.
func New(journal Journal) (*Bus, error) {
	last, err := journal.LastSeq(context.Background())
	if err != nil {
		return nil, err
	}
	return &Bus{
		journal: journal,
		logger:  slog.Default().With("component", "eventbus"),
		seq:     last,
		subs:    make(map[string]*Subscription),
	}, nil
}

// Publish appends the event to the journal and wakes matching subscribers.
// The caller must have appended the corresponding receipt first.
func (b *Bus) Publish(ctx context.Context, kind Kind, rid, cid string) (Event, error) {
	b.mu.Lock()
	ev := Event{Seq: b.seq + 1, Kind: kind, RID: rid, CID: cid, TS: time.Now().UTC()}
	if err := b.journal.Append(ctx, ev); err != nil {
		b.mu.Unlock()
		return Event{}, fmt.Errorf("eventbus: journal append: %w", err)
	}
	b.seq = ev.Seq
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.poke()
	}
	return ev, nil
}

// Subscribe registers a subscriber. cursor is the last seq the subscriber has
// already seen; delivery starts after it. maxOutstanding bounds unacked
// deliveries for atLeastOnce subscribers.
func (b *Bus) Subscribe(id string, patterns []string, cursor int64, mode DeliveryMode, maxOutstanding int) (*Subscription, error) {
	if maxOutstanding <= 0 {
		maxOutstanding = 64
	}
	s := &Subscription{
		ID:             id,
		patterns:       patterns,
		mode:           mode,
		maxOutstanding: maxOutstanding,
		cursor:         cursor,
		acked:          cursor,
		bus:            b,
		events:         make(chan Event),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	if _, ok := b.subs[id]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSubscriberExists, id)
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()
	s.poke()
	return s, nil
}

// Unsubscribe stops delivery and forgets the subscriber's cursor.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		s.stop()
	}
}

// Ack acknowledges delivery for a subscriber up to and including cursor.
func (b *Bus) Ack(id string, cursor int64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	b.mu.Unlock()
	if ok {
		s.Ack(cursor)
	}
}

// Subscription is one registered subscriber. Events arrive on Events() in
// seq order; atLeastOnce subscribers must Ack to keep the window open.
type Subscription struct {
	ID             string
	patterns       []string
	mode           DeliveryMode
	maxOutstanding int
	bus            *Bus

	mu      sync.Mutex
	cursor  int64   // highest journal seq examined
	acked   int64   // highest acked seq
	pending []int64 // delivered matching seqs > acked

	events chan Event
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Events is the delivery channel. Closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.events }

// Ack acknowledges every delivered event with seq <= cursor and reopens the
// delivery window.
func (s *Subscription) Ack(cursor int64) {
	s.mu.Lock()
	if cursor > s.acked {
		s.acked = cursor
	}
	kept := s.pending[:0]
	for _, seq := range s.pending {
		if seq > cursor {
			kept = append(kept, seq)
		}
	}
	s.pending = kept
	s.mu.Unlock()
	s.poke()
}

// Cursor returns the highest acked seq.
func (s *Subscription) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *Subscription) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

const deliveryBatch = 128

// pump replays journal events after the cursor, filters by pattern, and
// blocks when the unacked window is full. Backpressured subscribers are
// never dropped.
func (s *Subscription) pump() {
	defer close(s.events)
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.mode == AtLeastOnce && len(s.pending) >= s.maxOutstanding {
				s.mu.Unlock()
				break
			}
			cursor := s.cursor
			s.mu.Unlock()

			batch, err := s.bus.journal.After(ctx, cursor, deliveryBatch)
			if err != nil {
				s.bus.logger.Warn("journal read failed", "subscriber", s.ID, "error", err)
				break
			}
			if len(batch) == 0 {
				break
			}

			stalled := false
			for _, ev := range batch {
				if !MatchAny(s.patterns, ev.RID) {
					s.mu.Lock()
					s.cursor = ev.Seq
					s.mu.Unlock()
					continue
				}

				s.mu.Lock()
				full := s.mode == AtLeastOnce && len(s.pending) >= s.maxOutstanding
				s.mu.Unlock()
				if full {
					stalled = true
					break
				}

				select {
				case s.events <- ev:
				case <-s.done:
					return
				}

				s.mu.Lock()
				s.cursor = ev.Seq
				if s.mode == AtLeastOnce {
					s.pending = append(s.pending, ev.Seq)
				} else {
					s.acked = ev.Seq
				}
				s.mu.Unlock()
			}
			if stalled {
				break
			}
		}
	}
}
