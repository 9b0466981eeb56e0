package statecache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
)

func msg(topic, payload string) mqtt.Message {
	return mqtt.NewMessage(topic, []byte(payload), 1, false, false, time.Now())
}

func TestCache_UpdateAndGet(t *testing.T) {
	c := New()

	if _, ok := c.Get("esp8266/led/status"); ok {
		t.Fatal("Get() on empty cache returned an entry")
	}

	ts := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	stored := c.Update(mqtt.NewMessage("esp8266/led/status", []byte("ON"), 1, true, false, ts))

	if stored.DeviceID != "esp8266" {
		t.Errorf("DeviceID = %q, want esp8266", stored.DeviceID)
	}

	got, ok := c.Get("esp8266/led/status")
	if !ok {
		t.Fatal("Get() missing entry after Update()")
	}
	if string(got.Payload) != "ON" || got.QoS != 1 || !got.Retained || !got.UpdatedAt.Equal(ts) {
		t.Errorf("Get() = %+v", got)
	}
}

func TestCache_Overwrites(t *testing.T) {
	c := New()
	c.Update(msg("esp8266/led/status", "ON"))
	c.Update(msg("esp8266/led/status", "OFF"))

	got, _ := c.Get("esp8266/led/status")
	if string(got.Payload) != "OFF" {
		t.Errorf("Payload = %q, want OFF", got.Payload)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := New()
	c.Update(msg("a/b", "xyz"))

	got, _ := c.Get("a/b")
	got.Payload[0] = 'Q'

	again, _ := c.Get("a/b")
	if string(again.Payload) != "xyz" {
		t.Errorf("cache mutated through returned state: %q", again.Payload)
	}

	list := c.List()
	list[0].Payload[0] = 'Q'
	again, _ = c.Get("a/b")
	if string(again.Payload) != "xyz" {
		t.Errorf("cache mutated through List(): %q", again.Payload)
	}
}

func TestCache_Listing(t *testing.T) {
	c := New()
	c.Update(msg("esp8266/led/status", "ON"))
	c.Update(msg("esp8266/temp/status", "21.5"))
	c.Update(msg("esp32/relay/status", "OFF"))

	list := c.List()
	if len(list) != 3 || list[0].Topic != "esp32/relay/status" || list[2].Topic != "esp8266/temp/status" {
		t.Errorf("List() order = %v", topics(list))
	}

	if got := c.ListDevice("esp8266"); len(got) != 2 {
		t.Errorf("ListDevice(esp8266) = %v, want 2 entries", topics(got))
	}

	if got := c.ListMatching("+/led/#"); len(got) != 1 || got[0].Topic != "esp8266/led/status" {
		t.Errorf("ListMatching(+/led/#) = %v", topics(got))
	}

	devices := c.Devices()
	if len(devices) != 2 || devices[0] != "esp32" || devices[1] != "esp8266" {
		t.Errorf("Devices() = %v", devices)
	}
}

func TestCache_ZeroTimestamp(t *testing.T) {
	c := New()
	s := c.Update(mqtt.NewMessage("a", nil, 0, false, false, time.Time{}))
	if s.UpdatedAt.IsZero() {
		t.Error("UpdatedAt left zero")
	}
}

// TestCache_ConcurrentReadersAndWriters should be run with -race.
func TestCache_ConcurrentReadersAndWriters(t *testing.T) {
	c := New()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Update(msg(fmt.Sprintf("dev%d/led/status", i%5), fmt.Sprintf("%d-%d", w, i)))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, _ = c.Get("dev1/led/status")
				_ = c.List()
				_ = c.Len()
			}
		}()
	}
	wg.Wait()

	if c.Len() != 5 {
		t.Errorf("Len() = %d, want 5", c.Len())
	}
}

func topics(states []DeviceState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.Topic
	}
	return out
}
