package mqtt

import "fmt"

// Topic layout for the ESP8266 device family:
//
//	{device}/{component}/control   commands to the device
//	{device}/{component}/status    state reported by the device
//
// The first level is the device identifier used by the state cache.
const (
	// DefaultDevice is the reference device name.
	DefaultDevice = "esp8266"

	// LEDComponent is the reference component.
	LEDComponent = "led"

	// DefaultStatusPrefix is the base for service status topics.
	DefaultStatusPrefix = "mqttlink"
)

// LED command payloads understood by the reference firmware.
const (
	LEDOn     = "ON"
	LEDOff    = "OFF"
	LEDToggle = "TOGGLE"
)

// Topics provides builders for device and service topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	control := topics.LEDControl()
//	// Returns: "esp8266/led/control"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceControl returns the command topic for a device component.
//
// Example: esp8266/led/control
func (Topics) DeviceControl(device, component string) string {
	return fmt.Sprintf("%s/%s/control", device, component)
}

// DeviceStatus returns the state topic for a device component.
//
// Example: esp8266/led/status
func (Topics) DeviceStatus(device, component string) string {
	return fmt.Sprintf("%s/%s/status", device, component)
}

// LEDControl returns the reference LED command topic.
func (t Topics) LEDControl() string {
	return t.DeviceControl(DefaultDevice, LEDComponent)
}

// LEDStatus returns the reference LED state topic.
func (t Topics) LEDStatus() string {
	return t.DeviceStatus(DefaultDevice, LEDComponent)
}

// =============================================================================
// Service Topics
// =============================================================================

// ServiceStatus returns the retained online/offline topic for a service.
//
// Example: mqttlink/status
func (Topics) ServiceStatus(prefix string) string {
	if prefix == "" {
		prefix = DefaultStatusPrefix
	}
	return prefix + "/status"
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// AllDeviceTopics returns a filter for everything under one device.
//
// Example: esp8266/#
func (Topics) AllDeviceTopics(device string) string {
	return device + "/#"
}

// AllDeviceStatus returns a filter for every component status of all devices.
//
// Example: +/+/status
func (Topics) AllDeviceStatus() string {
	return "+/+/status"
}

// AllTopics returns a filter matching every non-$ topic.
// Use for debugging only - generates high message volume.
func (Topics) AllTopics() string {
	return "#"
}
