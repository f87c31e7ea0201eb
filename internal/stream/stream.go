// Package stream fans ledger events out to SSE subscribers. It doubles as
// the operator channel for currency mismatches: the triggering write
// succeeds, but the skipped balance effect is published here.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names what happened to an account balance.
type EventType string

const (
	EventBalanceApplied   EventType = "balance_applied"
	EventBalanceReversed  EventType = "balance_reversed"
	EventCurrencyMismatch EventType = "currency_mismatch"
)

// Event describes a single balance effect (or its refusal).
type Event struct {
	Type          EventType       `json:"type"`
	AccountID     string          `json:"accountId"`
	TransactionID string          `json:"transactionId"`
	Currency      string          `json:"currency"`
	Delta         decimal.Decimal `json:"delta"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
