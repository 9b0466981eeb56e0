package statecache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// DeviceState is the last message seen on one topic.
type DeviceState struct {
	DeviceID  string    // first topic level
	Topic     string    // concrete topic
	Payload   []byte    // last payload
	QoS       byte      // QoS the message arrived with
	Retained  bool      // whether the broker delivered it as retained
	UpdatedAt time.Time // when it was received
}

// DeepCopy returns a copy that shares no memory with s.
func (s DeviceState) DeepCopy() DeviceState {
	s.Payload = append([]byte(nil), s.Payload...)
	return s
}

type states map[string]DeviceState

// Cache is the process-wide device state store.
//
// All public methods are thread-safe. Returned states are deep copies;
// callers can safely modify them.
type Cache struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[states]
}

// New creates an empty cache.
func New() *Cache {
	c := &Cache{}
	empty := states{}
	c.snap.Store(&empty)
	return c
}

func (c *Cache) load() states {
	if p := c.snap.Load(); p != nil {
		return *p
	}
	return nil
}

// Update records msg as the latest state for its topic and returns the
// stored entry.
func (c *Cache) Update(msg mqtt.Message) DeviceState {
	state := DeviceState{
		DeviceID:  topic.FirstLevel(msg.Topic()),
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		QoS:       msg.QoS(),
		Retained:  msg.Retained(),
		UpdatedAt: msg.Timestamp(),
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.load()
	next := make(states, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[state.Topic] = state
	c.snap.Store(&next)

	return state.DeepCopy()
}

// Get returns the state for a concrete topic.
func (c *Cache) Get(topicName string) (DeviceState, bool) {
	s, ok := c.load()[topicName]
	if !ok {
		return DeviceState{}, false
	}
	return s.DeepCopy(), true
}

// List returns every entry sorted by topic.
func (c *Cache) List() []DeviceState {
	return c.collect(func(DeviceState) bool { return true })
}

// ListDevice returns the entries whose first topic level is deviceID.
func (c *Cache) ListDevice(deviceID string) []DeviceState {
	return c.collect(func(s DeviceState) bool { return s.DeviceID == deviceID })
}

// ListMatching returns the entries whose topic matches filter.
func (c *Cache) ListMatching(filter string) []DeviceState {
	return c.collect(func(s DeviceState) bool { return topic.Match(filter, s.Topic) })
}

// Devices returns the distinct device IDs, sorted.
func (c *Cache) Devices() []string {
	seen := make(map[string]bool)
	for _, s := range c.load() {
		seen[s.DeviceID] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of topics cached.
func (c *Cache) Len() int {
	return len(c.load())
}

func (c *Cache) collect(keep func(DeviceState) bool) []DeviceState {
	cur := c.load()
	out := make([]DeviceState, 0, len(cur))
	for _, s := range cur {
		if keep(s) {
			out = append(out, s.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
