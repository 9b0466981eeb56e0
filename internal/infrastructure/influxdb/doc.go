// Package influxdb exports mqttlink telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//
//   - mqtt_messages: one point per inbound message, tagged by session,
//     device and topic
//   - mqtt_sessions: one point per session state transition
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	observer := session.RecorderObserver{Recorder: client}
//
// # Error Handling
//
// Writes are non-blocking and batched; failures arrive on the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
