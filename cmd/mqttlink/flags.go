package main

import (
	"github.com/urfave/cli/v2"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
)

var topics mqtt.Topics

var FlagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to the YAML configuration file",
	EnvVars: []string{"MQTTLINK_CONFIG"},
	Value:   defaultConfigPath,
}

var FlagConnect = &cli.StringSliceFlag{
	Name:    "connect",
	Usage:   "broker targets to connect at startup",
	EnvVars: []string{"MQTTLINK_CONNECT"},
}

var FlagStateFilter = &cli.StringFlag{
	Name:    "state-filter",
	Usage:   "filter subscribed on every startup session to fill the state cache (empty disables)",
	EnvVars: []string{"MQTTLINK_STATE_FILTER"},
	Value:   topics.AllDeviceStatus(),
}

var FlagTarget = &cli.StringFlag{
	Name:    "target",
	Aliases: []string{"t"},
	Usage:   "broker target name",
	EnvVars: []string{"MQTTLINK_TARGET"},
	Value:   config.DefaultTarget,
}

var FlagTopic = &cli.StringFlag{
	Name:  "topic",
	Usage: "topic to publish to",
	Value: topics.LEDControl(),
}

var FlagFilter = &cli.StringFlag{
	Name:  "filter",
	Usage: "topic filter to watch",
	Value: topics.AllTopics(),
}

var FlagQoS = &cli.UintFlag{
	Name:  "qos",
	Usage: "QoS level 0, 1 or 2",
	Value: 1,
}

var FlagRetain = &cli.BoolFlag{
	Name:  "retain",
	Usage: "ask the broker to retain the message",
}

var FlagSubject = &cli.StringFlag{
	Name:  "subject",
	Usage: "token subject",
	Value: "cli",
}

var FlagRole = &cli.StringFlag{
	Name:  "role",
	Usage: "token role: viewer, operator or admin",
	Value: string(auth.RoleOperator),
}

var FlagTTL = &cli.IntFlag{
	Name:  "ttl",
	Usage: "token lifetime in minutes (0 uses security.jwt.access_token_ttl)",
}

var FlagTopics = &cli.StringSliceFlag{
	Name:  "topics",
	Usage: "topic filters the token may publish and subscribe to (default: any)",
}
