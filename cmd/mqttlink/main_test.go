package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt/mqtttest"
	"github.com/nerrad567/mqttlink/internal/session"
)

const testSecret = "test-secret-for-cli-at-least-32-chars"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {} // keep cli.Exit from calling os.Exit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := app.RunContext(ctx, append([]string{"mqttlink"}, args...))
	return out.String(), err
}

// ─── Config Loading ────────────────────────────────────────────────

func TestLoadConfig_ExplicitMissingFails(t *testing.T) {
	_, err := runApp(t, "--config", "/nonexistent/path/config.yaml", "token")
	if err == nil {
		t.Fatal("token with a missing explicit config should fail")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestLoadConfig_DefaultPathFallsBack(t *testing.T) {
	t.Chdir(t.TempDir())

	// Built-in defaults have no JWT secret, so token fails on the secret
	// rather than on the missing file.
	_, err := runApp(t, "token")
	if !errors.Is(err, auth.ErrMissingSecret) {
		t.Errorf("error = %v, want ErrMissingSecret", err)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  qos: 7\n")
	_, err := runApp(t, "--config", path, "token")
	if err == nil || !strings.Contains(err.Error(), "mqtt.qos") {
		t.Errorf("error = %v, want qos validation failure", err)
	}
}

// ─── Token ─────────────────────────────────────────────────────────

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "security:\n  jwt:\n    secret: \""+testSecret+"\"\n    access_token_ttl: 5\n")

	out, err := runApp(t, "--config", path, "token", "--subject", "dashboard", "--role", "viewer", "--topics", "esp8266/#")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out), testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "dashboard" {
		t.Errorf("subject = %q, want dashboard", claims.Subject)
	}
	if claims.Role != auth.RoleViewer {
		t.Errorf("role = %q, want viewer", claims.Role)
	}
	if len(claims.Topics) != 1 || claims.Topics[0] != "esp8266/#" {
		t.Errorf("topics = %v, want [esp8266/#]", claims.Topics)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl > 5*time.Minute || ttl < 4*time.Minute {
		t.Errorf("expiry in %v, want about 5m", ttl)
	}
}

func TestQoSFlagValidated(t *testing.T) {
	for _, args := range [][]string{
		{"publish", "--qos", "3", "ON"},
		{"watch", "--qos", "3"},
	} {
		if _, err := runApp(t, args...); err == nil {
			t.Errorf("%v: expected error for qos 3", args)
		}
	}
	if _, err := runApp(t, "publish"); err == nil {
		t.Error("publish without payload should fail")
	}
}

// ─── Publish ───────────────────────────────────────────────────────

func testManager(t *testing.T, broker *mqtttest.Broker) *session.Manager {
	t.Helper()
	cfg := config.Default().MQTT
	cfg.ConnectTimeout = time.Second
	cfg.Publish.RetryInterval = 20 * time.Millisecond
	cfg.Targets = map[string]config.MQTTTargetConfig{
		config.DefaultTarget: {Broker: config.MQTTBrokerConfig{Scheme: "tcp", Host: "127.0.0.1", Port: 1883, ClientID: "mqttlink-cli-test"}},
	}

	mgr := session.NewManager(cfg, session.WithConnectorFactory(func(_ string, o mqtt.Options) session.Connector {
		return mqtt.NewConnector(o, mqtt.WithDialer(func(ctx context.Context, _ mqtt.Options) (io.ReadWriteCloser, error) {
			return broker.Dial(ctx)
		}))
	}))
	t.Cleanup(func() { closeManager(mgr) })
	return mgr
}

func TestPublishOnce(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	mgr := testManager(t, broker)

	var out bytes.Buffer
	err := publishOnce(context.Background(), mgr, &out, publishArgs{
		target:  config.DefaultTarget,
		topic:   "esp8266/led/control",
		payload: "ON",
		qos:     1,
	})
	if err != nil {
		t.Fatalf("publishOnce: %v", err)
	}
	if !strings.Contains(out.String(), `published "ON" to esp8266/led/control (qos 1`) {
		t.Errorf("output = %q", out.String())
	}

	pubs := broker.Publishes()
	if len(pubs) != 1 || pubs[0].TopicName != "esp8266/led/control" || string(pubs[0].Payload) != "ON" {
		t.Errorf("broker publishes = %v", pubs)
	}
}

func TestPublishOnce_Errors(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		topic   string
		wantErr error
	}{
		{"unknown target", "nope", "esp8266/led/control", session.ErrUnknownSession},
		{"wildcard topic", config.DefaultTarget, "esp8266/#", session.ErrInvalidTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := mqtttest.NewBroker()
			defer broker.Close()
			mgr := testManager(t, broker)

			err := publishOnce(context.Background(), mgr, io.Discard, publishArgs{
				target: tt.target, topic: tt.topic, payload: "ON", qos: 1,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ─── Printer ───────────────────────────────────────────────────────

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	p.message(mqtt.NewMessage("esp8266/led/status", []byte("OFF"), 1, true, false, time.Now()))
	p.StateChanged(session.Status{State: session.StateReconnecting, RetryCount: 2, LastError: "connection refused"})

	got := out.String()
	for _, want := range []string{"esp8266/led/status", "q1 retained", "OFF", "reconnecting (attempt 2): connection refused"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}

// ─── Serve ─────────────────────────────────────────────────────────

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	cfg.Logging = config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, serveOptions{}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v, want nil after cancel", err)
		}
	case <-time.After(shutdownTimeout + 2*time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestRun_UnknownStartupTarget(t *testing.T) {
	cfg := config.Default()
	cfg.API.Port = 0
	cfg.Logging = config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, cfg, serveOptions{connect: []string{"missing"}})
	if !errors.Is(err, session.ErrUnknownSession) {
		t.Errorf("run() = %v, want ErrUnknownSession", err)
	}
}
