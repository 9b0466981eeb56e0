// Package config loads mqttlink's YAML configuration.
//
// Values are layered: built-in defaults, then the file, then MQTTLINK_*
// environment variables. Validate reports every problem at once.
//
// Brokers are named targets under mqtt.targets; the session API and the
// CLI address a broker by that name. A file without targets gets a single
// "default" target. Ports are never inferred from the scheme.
//
// Keep broker passwords and security.jwt.secret out of the file and set
// them through the environment (MQTTLINK_MQTT_PASSWORD,
// MQTTLINK_JWT_SECRET). An empty JWT secret turns API authentication off.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	target, ok := cfg.MQTT.Target(config.DefaultTarget)
package config
