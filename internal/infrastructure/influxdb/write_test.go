package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
)

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestMessagePoint(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := mqtt.NewMessage("esp8266/led/status", []byte("ON"), 1, true, false, ts)

	p := messagePoint("default", msg)

	if p.Name() != MeasurementMessages {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Time() = %v, want message timestamp", p.Time())
	}

	tg := tags(p)
	if tg["session_id"] != "default" || tg["device_id"] != "esp8266" || tg["topic"] != "esp8266/led/status" {
		t.Errorf("tags = %v", tg)
	}

	f := fields(p)
	if f["payload"] != "ON" || f["retained"] != true {
		t.Errorf("fields = %v", f)
	}
	if f["value"] != 1.0 {
		t.Errorf("value = %v, want 1", f["value"])
	}
}

func TestMessagePoint_TruncatesPayload(t *testing.T) {
	msg := mqtt.NewMessage("logs/esp8266", []byte(strings.Repeat("x", 1000)), 0, false, false, time.Now())

	f := fields(messagePoint("default", msg))
	if got := f["payload"].(string); len(got) != maxPayloadField {
		t.Errorf("payload length = %d, want %d", len(got), maxPayloadField)
	}
	if _, ok := f["value"]; ok {
		t.Error("non-numeric payload should not carry a value field")
	}
}

func TestSessionPoint(t *testing.T) {
	p := sessionPoint("bench", "reconnecting", false, 3, time.Now())

	if p.Name() != MeasurementSessions {
		t.Errorf("Name() = %q", p.Name())
	}
	if tg := tags(p); tg["state"] != "reconnecting" || tg["session_id"] != "bench" {
		t.Errorf("tags = %v", tg)
	}
	if f := fields(p); f["connected"] != false {
		t.Errorf("fields = %v", f)
	}
}

func TestNumericValue(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		ok      bool
	}{
		{"ON", 1, true},
		{"off", 0, true},
		{" 21.5 ", 21.5, true},
		{"-3", -3, true},
		{"TOGGLE", 0, false},
		{`{"state":"ON"}`, 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, ok := numericValue(tt.payload)
			if ok != tt.ok || got != tt.want {
				t.Errorf("numericValue(%q) = %v, %v; want %v, %v", tt.payload, got, ok, tt.want, tt.ok)
			}
		})
	}
}
