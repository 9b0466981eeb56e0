package topic

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
)

// Handler receives an inbound message. It runs on the session's dispatch
// goroutine, which is also the only reader of broker acknowledgements, so
// long work should be handed off.
//
// A Handler must not synchronously call Publish with QoS > 0, Subscribe or
// Unsubscribe on the session delivering to it: the PUBACK or SUBACK it would
// wait for cannot be read until it returns, so the call ends in a delivery
// or ack timeout and keepalive reads stall meanwhile. Start a goroutine for
// such calls instead. QoS 0 publishes do not wait and are safe.
type Handler func(msg mqtt.Message)

// Consumer is a handler registered under a caller-chosen ID. The ID is how
// a consumer is later unsubscribed and how duplicate deliveries are
// collapsed when several filters match one topic.
type Consumer struct {
	ID     string
	Handle Handler
}

// Subscription is a read-only view of one registry entry.
type Subscription struct {
	Filter    string
	QoS       byte
	Consumers []Consumer // sorted by ID
}

// ConsumerIDs returns the IDs of the attached consumers.
func (s Subscription) ConsumerIDs() []string {
	ids := make([]string, len(s.Consumers))
	for i, c := range s.Consumers {
		ids[i] = c.ID
	}
	return ids
}

type entry struct {
	filter    string
	levels    []string
	dollarOK  bool // first level is not a wildcard
	qos       byte
	consumers []Consumer // sorted by ID, never mutated once published
}

// snapshot is immutable once stored.
type snapshot struct {
	entries  []*entry // sorted by filter
	byFilter map[string]*entry
}

var emptySnapshot = &snapshot{byFilter: map[string]*entry{}}

// Registry maps topic filters to consumers.
//
// Thread Safety:
//   - Subscribe, Unsubscribe, Remove, Restore and Clear are serialised by a mutex.
//   - Match, Lookup, Filters, Entries and Len read an atomic snapshot and
//     never wait for a writer.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(emptySnapshot)
	return r
}

func (r *Registry) load() *snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Subscribe attaches consumer to filter. A consumer with the same ID on the
// same filter is replaced. The entry keeps the highest QoS ever requested.
// isNew is true when the filter was not registered before.
func (r *Registry) Subscribe(filter string, qos byte, consumer Consumer) (isNew bool, err error) {
	if err := ValidateFilter(filter); err != nil {
		return false, err
	}
	if qos > 2 {
		return false, fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if consumer.ID == "" || consumer.Handle == nil {
		return false, ErrInvalidConsumer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	old, exists := cur.byFilter[filter]

	next := &entry{
		filter:   filter,
		levels:   strings.Split(filter, levelSeparator),
		dollarOK: filter[0] != '+' && filter[0] != '#',
		qos:      qos,
	}
	if exists {
		next.qos = max(old.qos, qos)
		next.consumers = mergeConsumer(old.consumers, consumer)
	} else {
		next.consumers = []Consumer{consumer}
	}

	r.snap.Store(cur.with(next))
	return !exists, nil
}

// Unsubscribe detaches a consumer from filter. removedFilter is true when
// that was the last consumer and the filter is gone from the registry.
func (r *Registry) Unsubscribe(filter, consumerID string) (removedFilter bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	old, ok := cur.byFilter[filter]
	if !ok {
		return false
	}

	remaining := make([]Consumer, 0, len(old.consumers))
	for _, c := range old.consumers {
		if c.ID != consumerID {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == len(old.consumers) {
		return false
	}
	if len(remaining) == 0 {
		r.snap.Store(cur.without(filter))
		return true
	}

	next := *old
	next.consumers = remaining
	r.snap.Store(cur.with(&next))
	return false
}

// Remove drops a filter and all its consumers.
func (r *Registry) Remove(filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	if _, ok := cur.byFilter[filter]; !ok {
		return false
	}
	r.snap.Store(cur.without(filter))
	return true
}

// Restore puts back an entry previously returned by Lookup, undoing a
// Subscribe whose broker round trip failed.
func (r *Registry) Restore(sub Subscription) {
	if len(sub.Consumers) == 0 {
		r.Remove(sub.Filter)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.Store(r.load().with(&entry{
		filter:    sub.Filter,
		levels:    strings.Split(sub.Filter, levelSeparator),
		dollarOK:  sub.Filter[0] != '+' && sub.Filter[0] != '#',
		qos:       sub.QoS,
		consumers: append([]Consumer(nil), sub.Consumers...),
	}))
}

// Clear removes every filter.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.snap.Store(emptySnapshot)
	r.mu.Unlock()
}

// Match returns the consumers whose filters match topic. A consumer ID
// matched through several filters appears once, attached to the first
// matching filter in lexical order.
func (r *Registry) Match(topic string) []Consumer {
	s := r.load()
	if len(s.entries) == 0 || topic == "" {
		return nil
	}

	levels := strings.Split(topic, levelSeparator)
	dollar := strings.HasPrefix(topic, "$")

	var out []Consumer
	var seen map[string]bool
	for _, e := range s.entries {
		if dollar && !e.dollarOK {
			continue
		}
		if !matchLevels(e.levels, levels) {
			continue
		}
		for _, c := range e.consumers {
			if seen == nil {
				seen = make(map[string]bool)
			}
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// Lookup returns the entry for an exact filter.
func (r *Registry) Lookup(filter string) (Subscription, bool) {
	e, ok := r.load().byFilter[filter]
	if !ok {
		return Subscription{}, false
	}
	return e.view(), true
}

// Filters returns every registered filter in lexical order.
func (r *Registry) Filters() []string {
	s := r.load()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.filter
	}
	return out
}

// Entries returns every registry entry in filter order.
func (r *Registry) Entries() []Subscription {
	s := r.load()
	out := make([]Subscription, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.view()
	}
	return out
}

// Len returns the number of registered filters.
func (r *Registry) Len() int {
	return len(r.load().entries)
}

func (e *entry) view() Subscription {
	return Subscription{
		Filter:    e.filter,
		QoS:       e.qos,
		Consumers: append([]Consumer(nil), e.consumers...),
	}
}

// with returns a copy of s with e added or replaced.
func (s *snapshot) with(e *entry) *snapshot {
	next := &snapshot{
		entries:  make([]*entry, 0, len(s.entries)+1),
		byFilter: make(map[string]*entry, len(s.byFilter)+1),
	}
	for _, cur := range s.entries {
		if cur.filter != e.filter {
			next.entries = append(next.entries, cur)
			next.byFilter[cur.filter] = cur
		}
	}
	next.entries = append(next.entries, e)
	next.byFilter[e.filter] = e
	sort.Slice(next.entries, func(i, j int) bool { return next.entries[i].filter < next.entries[j].filter })
	return next
}

// without returns a copy of s with filter removed.
func (s *snapshot) without(filter string) *snapshot {
	next := &snapshot{
		entries:  make([]*entry, 0, len(s.entries)),
		byFilter: make(map[string]*entry, len(s.byFilter)),
	}
	for _, cur := range s.entries {
		if cur.filter != filter {
			next.entries = append(next.entries, cur)
			next.byFilter[cur.filter] = cur
		}
	}
	return next
}

func mergeConsumer(existing []Consumer, c Consumer) []Consumer {
	out := make([]Consumer, 0, len(existing)+1)
	replaced := false
	for _, cur := range existing {
		if cur.ID == c.ID {
			out = append(out, c)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, c)
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out
}
