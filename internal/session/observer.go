package session

import (
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
)

// Observer is told about inbound messages and state transitions.
// Calls happen on session goroutines and must not block.
type Observer interface {
	MessageReceived(sessionID string, msg mqtt.Message)
	StateChanged(status Status)
}

type nopObserver struct{}

func (nopObserver) MessageReceived(string, mqtt.Message) {}
func (nopObserver) StateChanged(Status)                  {}

// Observers fans every event out to each element in order.
type Observers []Observer

func (o Observers) MessageReceived(sessionID string, msg mqtt.Message) {
	for _, obs := range o {
		obs.MessageReceived(sessionID, msg)
	}
}

func (o Observers) StateChanged(status Status) {
	for _, obs := range o {
		obs.StateChanged(status)
	}
}

// Recorder persists session telemetry. *influxdb.Client satisfies it.
type Recorder interface {
	RecordMessage(sessionID string, msg mqtt.Message)
	RecordSessionState(sessionID, state string, connected bool, retryCount int)
}

// RecorderObserver adapts a Recorder to Observer.
type RecorderObserver struct {
	Recorder Recorder
}

func (r RecorderObserver) MessageReceived(sessionID string, msg mqtt.Message) {
	r.Recorder.RecordMessage(sessionID, msg)
}

func (r RecorderObserver) StateChanged(status Status) {
	r.Recorder.RecordSessionState(status.SessionID, status.State.String(), status.Connected, status.RetryCount)
}
