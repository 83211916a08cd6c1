// Package webhooks delivers run events to external endpoints as signed
// JSON POSTs, retrying with backoff.
package webhooks

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery is one event bound for one endpoint.
type Delivery struct {
	ID          string
	URL         string
	EventType   string
	Payload     []byte
	Attempts    int
	NextAttempt time.Time
	LastError   string
	LastCode    int
}

// Queue holds pending deliveries in memory. Deliveries do not survive a
// restart.
type Queue struct {
	mu    sync.Mutex
	items []*Delivery
	now   func() time.Time
}

func NewQueue() *Queue { return &Queue{now: time.Now} }

func (q *Queue) push(d *Delivery) {
	q.mu.Lock()
	d.NextAttempt = q.now()
	q.items = append(q.items, d)
	q.mu.Unlock()
}

// due removes and returns up to limit deliveries whose next attempt has come.
func (q *Queue) due(limit int) []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []*Delivery
	kept := q.items[:0]
	for _, d := range q.items {
		if len(out) < limit && !d.NextAttempt.After(now) {
			out = append(out, d)
			continue
		}
		kept = append(kept, d)
	}
	q.items = kept
	return out
}

func (q *Queue) retry(d *Delivery, after time.Duration) {
	q.mu.Lock()
	d.NextAttempt = q.now().Add(after)
	q.items = append(q.items, d)
	q.mu.Unlock()
}

// Len is the number of deliveries waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type Publisher struct {
	URLs   []string
	Events map[string]bool // empty means every event
	Queue  *Queue
}

func NewPublisher(urls, events []string, q *Queue) *Publisher {
	p := &Publisher{URLs: urls, Events: map[string]bool{}, Queue: q}
	for _, e := range events {
		p.Events[e] = true
	}
	return p
}

// Emit enqueues eventType for every endpoint. It has the shape of
// scheduler.Runner.Notify.
func (p *Publisher) Emit(eventType string, data map[string]any) {
	if len(p.URLs) == 0 || (len(p.Events) > 0 && !p.Events[eventType]) {
		return
	}
	id := "evt_" + uuid.New().String()
	payload := map[string]any{
		"id":   id,
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, u := range p.URLs {
		p.Queue.push(&Delivery{ID: id, URL: u, EventType: eventType, Payload: body})
	}
}
