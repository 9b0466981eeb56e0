package mqtt

import "testing"

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"LEDControl", topics.LEDControl(), "esp8266/led/control"},
		{"LEDStatus", topics.LEDStatus(), "esp8266/led/status"},
		{"DeviceControl", topics.DeviceControl("esp32", "relay"), "esp32/relay/control"},
		{"DeviceStatus", topics.DeviceStatus("esp32", "relay"), "esp32/relay/status"},
		{"ServiceStatus", topics.ServiceStatus("bench"), "bench/status"},
		{"ServiceStatusDefault", topics.ServiceStatus(""), "mqttlink/status"},
		{"AllDeviceTopics", topics.AllDeviceTopics("esp8266"), "esp8266/#"},
		{"AllDeviceStatus", topics.AllDeviceStatus(), "+/+/status"},
		{"AllTopics", topics.AllTopics(), "#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}
