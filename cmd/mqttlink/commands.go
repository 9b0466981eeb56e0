package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/logging"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/session"
	"github.com/nerrad567/mqttlink/internal/statecache"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// newCLIManager builds a session manager for one-shot commands. Logs go to
// errOut at warn level or above so stdout stays clean.
func newCLIManager(cfg *config.Config, observer session.Observer, errOut io.Writer) *session.Manager {
	logCfg := cfg.Logging
	logCfg.Format = "text"
	log := logging.NewWithWriter(logCfg, version, errOut)
	if log.Level() < slog.LevelWarn {
		log.SetLevel(slog.LevelWarn)
	}

	opts := []session.ManagerOption{
		session.WithCache(statecache.New()),
		session.WithLogger(log.Component("session")),
	}
	if observer != nil {
		opts = append(opts, session.WithObserver(observer))
	}
	return session.NewManager(cfg.MQTT, opts...)
}

func closeManager(m *session.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = m.CloseAll(ctx) //nolint:errcheck // best effort on exit
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "publish one message and wait for the broker to acknowledge it",
		ArgsUsage: "<payload>",
		Flags:     []cli.Flag{FlagTarget, FlagTopic, FlagQoS, FlagRetain},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("publish takes exactly one payload argument", 2)
			}
			qos := c.Uint(FlagQoS.Name)
			if qos > 2 {
				return cli.Exit("qos must be 0, 1 or 2", 2)
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			mgr := newCLIManager(cfg, nil, c.App.ErrWriter)
			defer closeManager(mgr)

			return publishOnce(c.Context, mgr, c.App.Writer, publishArgs{
				target:   c.String(FlagTarget.Name),
				topic:    c.String(FlagTopic.Name),
				payload:  c.Args().First(),
				qos:      byte(qos),
				retained: c.Bool(FlagRetain.Name),
			})
		},
	}
}

type publishArgs struct {
	target   string
	topic    string
	payload  string
	qos      byte
	retained bool
}

func publishOnce(ctx context.Context, mgr *session.Manager, out io.Writer, a publishArgs) error {
	sess, err := mgr.Session(ctx, a.target)
	if err != nil {
		return fmt.Errorf("connecting %q: %w", a.target, err)
	}
	ack, err := sess.Publish(ctx, a.topic, []byte(a.payload), a.qos, a.retained)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", a.topic, err)
	}
	fmt.Fprintf(out, "published %q to %s (qos %d, id %d)\n", a.payload, a.topic, ack.QoS, ack.MessageID)
	return nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print messages matching a filter until interrupted",
		Flags: []cli.Flag{FlagTarget, FlagFilter, FlagQoS},
		Action: func(c *cli.Context) error {
			qos := c.Uint(FlagQoS.Name)
			if qos > 2 {
				return cli.Exit("qos must be 0, 1 or 2", 2)
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			p := newPrinter(c.App.Writer)
			mgr := newCLIManager(cfg, p, c.App.ErrWriter)
			defer closeManager(mgr)

			sess, err := mgr.Session(c.Context, c.String(FlagTarget.Name))
			if err != nil {
				return fmt.Errorf("connecting %q: %w", c.String(FlagTarget.Name), err)
			}
			filter := c.String(FlagFilter.Name)
			if err := sess.Subscribe(c.Context, filter, byte(qos), topic.Consumer{ID: "watch", Handle: p.message}); err != nil {
				return fmt.Errorf("subscribing to %s: %w", filter, err)
			}
			p.info("watching %s on %s", filter, sess.Status().Broker)

			select {
			case <-c.Context.Done():
			case <-sess.Done():
				if st := sess.Status(); st.LastError != "" {
					return fmt.Errorf("session closed: %s", st.LastError)
				}
			}
			return nil
		},
	}
}

// printer renders watched traffic. It also observes session state so
// reconnects are visible.
type printer struct {
	out     io.Writer
	topic   *color.Color
	payload *color.Color
	dim     *color.Color
	warn    *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		topic:   color.New(color.FgCyan, color.Bold),
		payload: color.New(color.FgWhite),
		dim:     color.New(color.Faint),
		warn:    color.New(color.FgYellow),
	}
}

func (p *printer) message(msg mqtt.Message) {
	flags := fmt.Sprintf("q%d", msg.QoS())
	if msg.Retained() {
		flags += " retained"
	}
	if msg.Duplicate() {
		flags += " dup"
	}
	fmt.Fprintf(p.out, "%s %s %s %s\n",
		p.dim.Sprint(msg.Timestamp().Format(time.TimeOnly)),
		p.topic.Sprint(msg.Topic()),
		p.dim.Sprint("["+flags+"]"),
		p.payload.Sprint(msg.PayloadString()),
	)
}

func (p *printer) info(format string, args ...any) {
	fmt.Fprintln(p.out, p.dim.Sprintf(format, args...))
}

func (p *printer) MessageReceived(string, mqtt.Message) {}

func (p *printer) StateChanged(st session.Status) {
	switch st.State {
	case session.StateReconnecting:
		fmt.Fprintln(p.out, p.warn.Sprintf("reconnecting (attempt %d): %s", st.RetryCount, st.LastError))
	case session.StateConnected:
		p.info("connected to %s", st.Broker)
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue an API access token signed with security.jwt.secret",
		Flags: []cli.Flag{FlagSubject, FlagRole, FlagTTL, FlagTopics},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ttl := c.Int(FlagTTL.Name)
			if ttl <= 0 {
				ttl = cfg.Security.JWT.AccessTokenTTL
			}
			tok, err := auth.GenerateAccessToken(
				c.String(FlagSubject.Name),
				auth.Role(c.String(FlagRole.Name)),
				cfg.Security.JWT.Secret,
				ttl,
				c.StringSlice(FlagTopics.Name)...,
			)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}
