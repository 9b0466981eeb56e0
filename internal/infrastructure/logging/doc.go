// Package logging provides structured logging for mqttlink on top of log/slog.
//
// Every entry carries the service name and build version. Components derive
// child loggers with Component and Session:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("session").Session("default").Info("connected")
//
// Attributes whose key ends in password, secret, token, ticket or
// authorization are written as [REDACTED], so broker credentials and JWTs
// never reach the log sink.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json, text
//	  output: stdout   # stdout, stderr
package logging
