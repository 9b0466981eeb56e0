package influxdb

import (
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// Measurement names.
const (
	MeasurementMessages = "mqtt_messages"
	MeasurementSessions = "mqtt_sessions"
)

// maxPayloadField caps the payload text stored per point.
const maxPayloadField = 256

// RecordMessage writes one inbound message. The write is non-blocking.
//
// Numeric payloads and the LED ON/OFF vocabulary also get a float "value"
// field so they can be graphed.
func (c *Client) RecordMessage(sessionID string, msg mqtt.Message) {
	c.enqueue(messagePoint(sessionID, msg))
}

// RecordSessionState writes one session transition. The write is
// non-blocking.
func (c *Client) RecordSessionState(sessionID, state string, connected bool, retryCount int) {
	c.enqueue(sessionPoint(sessionID, state, connected, retryCount, time.Now()))
}

// WritePoint writes an arbitrary point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.enqueue(write.NewPoint(measurement, tags, fields, time.Now()))
}

func messagePoint(sessionID string, msg mqtt.Message) *write.Point {
	payload := msg.PayloadString()

	fields := map[string]any{
		"payload_bytes": len(payload),
		"qos":           int(msg.QoS()),
		"retained":      msg.Retained(),
	}
	text := payload
	if len(text) > maxPayloadField {
		text = text[:maxPayloadField]
	}
	fields["payload"] = text
	if v, ok := numericValue(payload); ok {
		fields["value"] = v
	}

	return write.NewPoint(
		MeasurementMessages,
		map[string]string{
			"session_id": sessionID,
			"device_id":  topic.FirstLevel(msg.Topic()),
			"topic":      msg.Topic(),
		},
		fields,
		msg.Timestamp(),
	)
}

func sessionPoint(sessionID, state string, connected bool, retryCount int, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSessions,
		map[string]string{
			"session_id": sessionID,
			"state":      state,
		},
		map[string]any{
			"connected":   connected,
			"retry_count": retryCount,
		},
		ts,
	)
}

func numericValue(payload string) (float64, bool) {
	p := strings.TrimSpace(payload)
	switch strings.ToUpper(p) {
	case mqtt.LEDOn:
		return 1, true
	case mqtt.LEDOff:
		return 0, true
	}
	v, err := strconv.ParseFloat(p, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
