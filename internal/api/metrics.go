package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/mqttlink/internal/infrastructure/influxdb"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          MQTTMetrics    `json:"mqtt"`
	Devices       DeviceMetrics  `json:"devices"`

	// Telemetry is nil when no exporter is configured.
	Telemetry *influxdb.Stats `json:"telemetry,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// MQTTMetrics contains session statistics and API-driven traffic counters.
type MQTTMetrics struct {
	Targets          int    `json:"targets"`
	Sessions         int    `json:"sessions"`
	Connected        int    `json:"connected"`
	InFlight         int    `json:"in_flight"`
	Published        uint64 `json:"published"`
	Subscribed       uint64 `json:"subscribed"`
	ReceivedByAPI    uint64 `json:"received_by_api"`
	FailedOperations uint64 `json:"failed_operations"`
}

// DeviceMetrics contains state cache statistics.
type DeviceMetrics struct {
	Devices int `json:"devices"`
	Topics  int `json:"topics"`
}

// handleMetrics reports runtime, session, hub and cache counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
		MQTT: MQTTMetrics{
			Targets:          len(s.sessions.Targets()),
			Published:        s.stats.published.Load(),
			Subscribed:       s.stats.subscribed.Load(),
			ReceivedByAPI:    s.stats.apiReceived.Load(),
			FailedOperations: s.stats.failures.Load(),
		},
		Devices: DeviceMetrics{
			Devices: len(s.cache.Devices()),
			Topics:  s.cache.Len(),
		},
	}

	if s.telemetry != nil {
		st := s.telemetry.Stats()
		metrics.Telemetry = &st
	}

	for _, st := range s.sessions.List() {
		metrics.MQTT.Sessions++
		if st.Connected {
			metrics.MQTT.Connected++
		}
		metrics.MQTT.InFlight += st.InFlight
	}

	writeJSON(w, http.StatusOK, metrics)
}
