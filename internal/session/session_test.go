package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt/mqtttest"
	"github.com/nerrad567/mqttlink/internal/statecache"
	"github.com/nerrad567/mqttlink/internal/topic"
)

const waitTimeout = 2 * time.Second

// testConfig returns settings tuned for the in-process broker: keepalive off,
// fast retries and fast reconnects.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Targets: map[string]config.MQTTTargetConfig{
			"default": {Broker: config.MQTTBrokerConfig{Scheme: "tcp", Host: "127.0.0.1", Port: 1883, ClientID: "mqttlink-test"}},
			"bench":   {Broker: config.MQTTBrokerConfig{Scheme: "tcp", Host: "127.0.0.1", Port: 1884, ClientID: "mqttlink-bench"}},
		},
		QoS:            1,
		ConnectTimeout: time.Second,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		},
		Publish: config.MQTTPublishConfig{
			QueueSize:     16,
			QueueTimeout:  50 * time.Millisecond,
			RetryInterval: 20 * time.Millisecond,
			MaxRetries:    2,
		},
	}
}

func brokerConnector(b *mqtttest.Broker, cfg config.MQTTConfig, target string) Connector {
	return mqtt.NewConnector(
		mqtt.NewOptions(cfg.Targets[target], cfg),
		mqtt.WithDialer(func(ctx context.Context, _ mqtt.Options) (io.ReadWriteCloser, error) {
			return b.Dial(ctx)
		}),
	)
}

func newTestSession(t *testing.T, b *mqtttest.Broker, mutate ...func(*config.MQTTConfig)) (*Session, *statecache.Cache) {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	cache := statecache.New()
	s := New(Deps{
		ID:        "default",
		Connector: brokerConnector(b, cfg, "default"),
		Config:    cfg,
		Cache:     cache,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, cache
}

// collector records messages delivered to one consumer.
type collector struct {
	mu   sync.Mutex
	msgs []mqtt.Message
}

func (c *collector) consumer(id string) topic.Consumer {
	return topic.Consumer{ID: id, Handle: func(msg mqtt.Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	}}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedConnector dials through inner, then holds the new link until gate is
// closed. The first pass calls go straight through.
type gatedConnector struct {
	inner  Connector
	pass   atomic.Int32
	dialed chan struct{}
	gate   chan struct{}
}

func newGatedConnector(inner Connector, pass int32) *gatedConnector {
	g := &gatedConnector{inner: inner, dialed: make(chan struct{}, 8), gate: make(chan struct{})}
	g.pass.Store(pass)
	return g
}

func (g *gatedConnector) Connect(ctx context.Context) (*mqtt.Link, error) {
	link, err := g.inner.Connect(ctx)
	if g.pass.Add(-1) >= 0 {
		return link, err
	}
	g.dialed <- struct{}{}
	<-g.gate
	return link, err
}

func (g *gatedConnector) Options() mqtt.Options { return g.inner.Options() }

func waitFor(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestStart_Connected(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()

	s, _ := newTestSession(t, broker)

	st := s.Status()
	if !st.Connected || st.State != StateConnected {
		t.Errorf("Status = %+v, want connected", st)
	}
	if st.SessionID != "default" {
		t.Errorf("SessionID = %q, want default", st.SessionID)
	}
	if st.ClientID != "mqttlink-test" {
		t.Errorf("ClientID = %q", st.ClientID)
	}
	if st.Broker != "tcp://127.0.0.1:1883" {
		t.Errorf("Broker = %q", st.Broker)
	}
	if st.Subscriptions == nil {
		t.Error("Subscriptions should be an empty slice, not nil")
	}
}

func TestStart_AuthRejectedIsNotRetried(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.SetConnackCode(5)

	cfg := testConfig()
	s := New(Deps{ID: "default", Connector: brokerConnector(broker, cfg, "default"), Config: cfg})

	err := s.Start(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Start() error = %v, want ErrAuthRejected", err)
	}

	select {
	case <-s.Done():
	default:
		t.Error("session should be closed after auth rejection")
	}

	time.Sleep(50 * time.Millisecond)
	if n := broker.Dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if st := s.Status(); st.State != StateDisconnected || st.LastError == "" {
		t.Errorf("Status = %+v, want disconnected with last error", st)
	}
}

func TestStart_TransientFailureKeepsRetrying(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.SetDown(true)

	s, _ := newTestSession(t, broker)

	if st := s.Status(); st.State != StateReconnecting && st.State != StateConnecting {
		t.Errorf("State = %v, want reconnecting", st.State)
	}
	_, err := s.Publish(context.Background(), "esp8266/led/control", []byte("ON"), 0, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}

	waitUntil(t, "several dial attempts", func() bool { return broker.Dials() >= 3 })
	broker.SetDown(false)
	waitUntil(t, "connected", func() bool { return s.Status().Connected })
}

func TestStart_GivesUpAfterMaxAttempts(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.SetDown(true)

	s, _ := newTestSession(t, broker, func(c *config.MQTTConfig) { c.Reconnect.MaxAttempts = 2 })

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not give up")
	}
	if n := broker.Dials(); n != 3 {
		t.Errorf("dials = %d, want 3 (initial + 2 attempts)", n)
	}
}

func TestStatusTopic_OnlineAndOffline(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()

	s, _ := newTestSession(t, broker, func(c *config.MQTTConfig) { c.StatusTopic = "mqttlink/status" })

	if !broker.WaitForCount(packets.Publish, 1, waitTimeout) {
		t.Fatal("online status not published")
	}
	online := broker.Publishes()[0]
	if online.TopicName != "mqttlink/status" || !online.Retain || !strings.Contains(string(online.Payload), `"online"`) {
		t.Errorf("online publish = %s retain=%v %s", online.TopicName, online.Retain, online.Payload)
	}

	_ = s.Close()

	if !broker.WaitForCount(packets.Publish, 2, waitTimeout) {
		t.Fatal("offline status not published")
	}
	offline := broker.Publishes()[1]
	if !offline.Retain || !strings.Contains(string(offline.Payload), `"offline"`) {
		t.Errorf("offline publish = retain=%v %s", offline.Retain, offline.Payload)
	}
	if !broker.WaitForCount(packets.Disconnect, 1, waitTimeout) {
		t.Error("DISCONNECT not sent")
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish_QoS0(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)

	ack, err := s.Publish(context.Background(), mqtt.Topics{}.LEDControl(), []byte(mqtt.LEDOn), 0, false)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ack.QoS != 0 || ack.MessageID != 0 {
		t.Errorf("ack = %+v", ack)
	}

	if !broker.WaitForCount(packets.Publish, 1, waitTimeout) {
		t.Fatal("PUBLISH not received")
	}
	p := broker.Publishes()[0]
	if p.TopicName != "esp8266/led/control" || string(p.Payload) != "ON" || p.Qos != 0 {
		t.Errorf("publish = %s %q qos=%d", p.TopicName, p.Payload, p.Qos)
	}
}

func TestPublish_Acknowledged(t *testing.T) {
	tests := []struct {
		name    string
		qos     byte
		wantRel int
	}{
		{"qos 1 completes on PUBACK", 1, 0},
		{"qos 2 completes on PUBCOMP", 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := mqtttest.NewBroker()
			defer broker.Close()
			s, _ := newTestSession(t, broker)

			ack, err := s.Publish(context.Background(), "esp8266/led/control", []byte("OFF"), tt.qos, false)
			if err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if ack.MessageID == 0 || ack.QoS != tt.qos {
				t.Errorf("ack = %+v", ack)
			}
			if n := broker.Count(packets.Pubrel); n != tt.wantRel {
				t.Errorf("PUBREL count = %d, want %d", n, tt.wantRel)
			}
			if n := s.Status().InFlight; n != 0 {
				t.Errorf("InFlight = %d, want 0", n)
			}
		})
	}
}

func TestPublish_DeliveryTimeoutAfterRetries(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.WithholdAcks(true)
	s, _ := newTestSession(t, broker)

	_, err := s.Publish(context.Background(), "esp8266/led/control", []byte("ON"), 1, false)
	if !errors.Is(err, ErrDeliveryTimeout) {
		t.Fatalf("Publish() error = %v, want ErrDeliveryTimeout", err)
	}

	if !broker.WaitForCount(packets.Publish, 3, waitTimeout) {
		t.Fatalf("PUBLISH count = %d, want 3", broker.Count(packets.Publish))
	}
	time.Sleep(50 * time.Millisecond)

	pubs := broker.Publishes()
	if len(pubs) != 3 {
		t.Fatalf("PUBLISH count = %d, want 1 + 2 retries", len(pubs))
	}
	if pubs[0].Dup {
		t.Error("first send should not carry DUP")
	}
	for i, p := range pubs[1:] {
		if !p.Dup {
			t.Errorf("retry %d missing DUP", i+1)
		}
		if p.MessageID != pubs[0].MessageID {
			t.Errorf("retry %d message ID = %d, want %d", i+1, p.MessageID, pubs[0].MessageID)
		}
	}
	if n := s.Status().InFlight; n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestPublish_ContextCancelStopsRetries(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.WithholdAcks(true)
	s, _ := newTestSession(t, broker, func(c *config.MQTTConfig) { c.Publish.RetryInterval = time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.Publish(ctx, "esp8266/led/control", []byte("ON"), 1, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish() error = %v, want deadline exceeded", err)
	}
	if n := s.Status().InFlight; n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
	if n := broker.Count(packets.Publish); n != 1 {
		t.Errorf("PUBLISH count = %d, want 1", n)
	}
}

func TestPublish_Validation(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"wildcard topic", "esp8266/+/control", 0, nil, ErrInvalidTopic},
		{"empty topic", "", 0, nil, ErrInvalidTopic},
		{"qos 3", "esp8266/led/control", 3, nil, mqtt.ErrInvalidQoS},
		{"payload too large", "esp8266/led/control", 0, make([]byte, 2<<20), mqtt.ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Publish(context.Background(), tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublish_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Publish.QueueSize = 1
	cfg.Publish.QueueTimeout = 20 * time.Millisecond

	broker := mqtttest.NewBroker()
	defer broker.Close()
	// Not started: nothing drains the queue.
	s := New(Deps{ID: "default", Connector: brokerConnector(broker, cfg, "default"), Config: cfg})

	if err := s.enqueue(context.Background(), &queued{}); err != nil {
		t.Fatalf("first enqueue error = %v", err)
	}
	start := time.Now()
	if err := s.enqueue(context.Background(), &queued{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue error = %v, want ErrQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.Publish.QueueTimeout {
		t.Errorf("enqueue returned after %v, want at least %v", elapsed, cfg.Publish.QueueTimeout)
	}
}

func TestClose_FailsPendingPublishes(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.WithholdAcks(true)
	s, _ := newTestSession(t, broker, func(c *config.MQTTConfig) { c.Publish.RetryInterval = time.Second })

	errc := make(chan error, 1)
	go func() {
		_, err := s.Publish(context.Background(), "esp8266/led/control", []byte("ON"), 1, false)
		errc <- err
	}()

	if !broker.WaitForCount(packets.Publish, 1, waitTimeout) {
		t.Fatal("PUBLISH not received")
	}
	_ = s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Publish() error = %v, want ErrSessionClosed", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Publish did not return after Close")
	}

	if _, err := s.Publish(context.Background(), "esp8266/led/control", nil, 0, false); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Publish after Close error = %v, want ErrSessionClosed", err)
	}
}

// =============================================================================
// Subscribe / Dispatch Tests
// =============================================================================

func TestSubscribe_InboundDeliveredOncePerConsumer(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, cache := newTestSession(t, broker)
	ctx := context.Background()

	var a, b collector
	if err := s.Subscribe(ctx, "esp8266/+/status", 1, a.consumer("a")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Subscribe(ctx, "esp8266/#", 0, a.consumer("a")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Subscribe(ctx, "esp8266/#", 0, b.consumer("b")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := broker.Publish("esp8266/led/status", []byte("ON"), 1, true); err != nil {
		t.Fatalf("broker publish: %v", err)
	}

	waitUntil(t, "delivery", func() bool { return a.count() == 1 && b.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if a.count() != 1 {
		t.Errorf("consumer a received %d messages, want 1", a.count())
	}

	state, ok := cache.Get("esp8266/led/status")
	if !ok {
		t.Fatal("state cache not updated")
	}
	if state.DeviceID != "esp8266" || string(state.Payload) != "ON" || !state.Retained {
		t.Errorf("state = %+v", state)
	}
	if !broker.WaitForCount(packets.Puback, 1, waitTimeout) {
		t.Error("inbound QoS 1 not acknowledged")
	}
}

func TestSubscribe_HandlerPublishesFromGoroutine(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)
	ctx := context.Background()

	acked := make(chan error, 1)
	consumer := topic.Consumer{ID: "echo", Handle: func(msg mqtt.Message) {
		go func() {
			_, err := s.Publish(ctx, "esp8266/led/control", msg.Payload(), 1, false)
			acked <- err
		}()
	}}
	if err := s.Subscribe(ctx, "esp8266/led/status", 1, consumer); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := broker.Publish("esp8266/led/status", []byte("ON"), 0, false); err != nil {
		t.Fatalf("broker publish: %v", err)
	}

	select {
	case err := <-acked:
		if err != nil {
			t.Errorf("Publish() from handler goroutine error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("handler publish did not complete")
	}
}

func TestSubscribe_PublishLoopback(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.SetRouting(true)
	s, cache := newTestSession(t, broker)
	ctx := context.Background()

	var c collector
	if err := s.Subscribe(ctx, "esp8266/led/control", 1, c.consumer("c")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := s.Publish(ctx, "esp8266/led/control", []byte("ON"), 0, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitUntil(t, "loopback delivery", func() bool { return c.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("received %d messages, want exactly 1", c.count())
	}

	state, ok := cache.Get("esp8266/led/control")
	if !ok || string(state.Payload) != "ON" {
		t.Errorf("cache = %+v, %v; want payload ON", state, ok)
	}
}

func TestSubscribe_DuplicateFilterSharesSubscription(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)
	ctx := context.Background()

	var a, b collector
	_ = s.Subscribe(ctx, "esp8266/led/status", 1, a.consumer("a"))
	_ = s.Subscribe(ctx, "esp8266/led/status", 1, b.consumer("b"))

	if n := broker.Count(packets.Subscribe); n != 1 {
		t.Errorf("SUBSCRIBE count = %d, want 1", n)
	}

	_ = broker.Publish("esp8266/led/status", []byte("OFF"), 0, false)
	waitUntil(t, "both consumers", func() bool { return a.count() == 1 && b.count() == 1 })

	// Raising the QoS asks the broker again.
	_ = s.Subscribe(ctx, "esp8266/led/status", 2, b.consumer("b"))
	if n := broker.Count(packets.Subscribe); n != 2 {
		t.Errorf("SUBSCRIBE count after QoS upgrade = %d, want 2", n)
	}
}

func TestSubscribe_ConsumerPanicRecovered(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)
	ctx := context.Background()

	var good collector
	bad := topic.Consumer{ID: "bad", Handle: func(mqtt.Message) { panic("boom") }}
	_ = s.Subscribe(ctx, "esp8266/#", 0, bad)
	_ = s.Subscribe(ctx, "esp8266/#", 0, good.consumer("good"))

	_ = broker.Publish("esp8266/led/status", []byte("1"), 0, false)
	_ = broker.Publish("esp8266/led/status", []byte("2"), 0, false)

	waitUntil(t, "delivery after panic", func() bool { return good.count() == 2 })
	if !s.Status().Connected {
		t.Error("session should survive a panicking consumer")
	}
}

func TestSubscribe_RejectedRollsBack(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	broker.RejectFilter("secret/#")
	s, _ := newTestSession(t, broker)

	var c collector
	err := s.Subscribe(context.Background(), "secret/#", 1, c.consumer("c"))
	if !errors.Is(err, ErrSubscribeRejected) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscribeRejected", err)
	}
	if subs := s.Status().Subscriptions; len(subs) != 0 {
		t.Errorf("Subscriptions = %v, want none", subs)
	}
}

func TestSubscribe_InvalidFilter(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)

	var c collector
	err := s.Subscribe(context.Background(), "esp8266/#/status", 0, c.consumer("c"))
	if !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidFilter", err)
	}
	if n := broker.Count(packets.Subscribe); n != 0 {
		t.Errorf("SUBSCRIBE count = %d, want 0", n)
	}
}

func TestUnsubscribe_LastConsumerSendsUnsubscribe(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)
	ctx := context.Background()

	var a, b collector
	_ = s.Subscribe(ctx, "esp8266/led/status", 0, a.consumer("a"))
	_ = s.Subscribe(ctx, "esp8266/led/status", 0, b.consumer("b"))

	if err := s.Unsubscribe(ctx, "esp8266/led/status", "a"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if n := broker.Count(packets.Unsubscribe); n != 0 {
		t.Errorf("UNSUBSCRIBE sent while a consumer remains")
	}

	if err := s.Unsubscribe(ctx, "esp8266/led/status", "b"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if n := broker.Count(packets.Unsubscribe); n != 1 {
		t.Errorf("UNSUBSCRIBE count = %d, want 1", n)
	}
	if subs := s.Status().Subscriptions; len(subs) != 0 {
		t.Errorf("Subscriptions = %v, want none", subs)
	}
}

func TestInboundQoS2_DuplicateNotRedelivered(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)

	var c collector
	_ = s.Subscribe(context.Background(), "esp8266/#", 2, c.consumer("c"))

	send := func(dup bool) {
		p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		p.TopicName = "esp8266/led/status"
		p.Payload = []byte("ON")
		p.Qos = 2
		p.Dup = dup
		p.MessageID = 7
		if err := broker.Send(p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	send(false)
	send(true)

	if !broker.WaitForCount(packets.Pubrec, 2, waitTimeout) {
		t.Fatal("PUBREC not sent for each copy")
	}
	time.Sleep(20 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("delivered %d times, want 1", c.count())
	}
}

// =============================================================================
// Reconnect Tests
// =============================================================================

func TestReconnect_ResubscribesAndResends(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker, func(c *config.MQTTConfig) {
		c.Publish.RetryInterval = time.Second
	})
	ctx := context.Background()

	var c collector
	_ = s.Subscribe(ctx, "esp8266/+/status", 1, c.consumer("c"))
	_ = s.Subscribe(ctx, "mqttlink/#", 0, c.consumer("c"))

	broker.WithholdAcks(true)
	type result struct {
		ack PublishAck
		err error
	}
	done := make(chan result, 1)
	go func() {
		ack, err := s.Publish(ctx, "esp8266/led/control", []byte("TOGGLE"), 1, false)
		done <- result{ack, err}
	}()
	if !broker.WaitForCount(packets.Publish, 1, waitTimeout) {
		t.Fatal("PUBLISH not received")
	}

	broker.DropConnection()

	waitUntil(t, "reconnect", func() bool { return broker.Dials() >= 2 && s.Status().Connected })
	if !broker.WaitForCount(packets.Subscribe, 3, waitTimeout) {
		t.Fatal("no resubscribe after reconnect")
	}
	subs := broker.Subscribes()
	resub := subs[len(subs)-1]
	if len(resub.Topics) != 2 {
		t.Errorf("resubscribe topics = %v, want both filters in one packet", resub.Topics)
	}

	if !broker.WaitForCount(packets.Publish, 2, waitTimeout) {
		t.Fatal("in-flight message not resent")
	}
	pubs := broker.Publishes()
	resent := pubs[len(pubs)-1]
	if !resent.Dup || resent.MessageID != pubs[0].MessageID {
		t.Errorf("resent = dup %v id %d, want dup with id %d", resent.Dup, resent.MessageID, pubs[0].MessageID)
	}

	ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	ack.MessageID = resent.MessageID
	if err := broker.Send(ack); err != nil {
		t.Fatalf("send PUBACK: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Errorf("Publish() error = %v", r.err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Publish did not complete after reconnect")
	}

	if got := s.Status().Subscriptions; len(got) != 2 {
		t.Errorf("Subscriptions = %v, want registry kept across reconnect", got)
	}
}

func TestClose_ClearsRegistry(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()
	s, _ := newTestSession(t, broker)

	var c collector
	_ = s.Subscribe(context.Background(), "esp8266/#", 0, c.consumer("c"))
	_ = s.Close()

	st := s.Status()
	if st.State != StateDisconnected || st.Connected {
		t.Errorf("Status = %+v, want disconnected", st)
	}
	if len(st.Subscriptions) != 0 {
		t.Errorf("Subscriptions = %v, want cleared", st.Subscriptions)
	}
	if err := s.Subscribe(context.Background(), "esp8266/#", 0, c.consumer("c")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrSessionClosed", err)
	}

	// Idempotent.
	_ = s.Close()
}

func TestClose_DuringConnectDoesNotRevive(t *testing.T) {
	tests := []struct {
		name string
		pass int32 // connects that bypass the gate
	}{
		{"initial connect", 0},
		{"reconnect", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := mqtttest.NewBroker()
			defer broker.Close()

			cfg := testConfig()
			conn := newGatedConnector(brokerConnector(broker, cfg, "default"), tt.pass)
			s := New(Deps{ID: "default", Connector: conn, Config: cfg, Cache: statecache.New()})

			started := make(chan error, 1)
			go func() { started <- s.Start(context.Background()) }()

			if tt.pass > 0 {
				if err := <-started; err != nil {
					t.Fatalf("Start() error = %v", err)
				}
				broker.DropConnection()
			}
			waitFor(t, "gated dial", conn.dialed)

			closed := make(chan struct{})
			go func() {
				_ = s.Close()
				close(closed)
			}()
			<-s.Done()
			close(conn.gate)
			waitFor(t, "Close", closed)

			if tt.pass == 0 {
				if err := <-started; !errors.Is(err, ErrSessionClosed) {
					t.Errorf("Start() error = %v, want ErrSessionClosed", err)
				}
			}
			st := s.Status()
			if st.Connected || st.State != StateDisconnected {
				t.Errorf("Status = %+v, want disconnected", st)
			}
			if s.link.Load() != nil {
				t.Error("closed session still holds a link")
			}
		})
	}
}

// =============================================================================
// Observer Tests
// =============================================================================

type recordingObserver struct {
	mu       sync.Mutex
	messages []string
	states   []State
}

func (r *recordingObserver) MessageReceived(_ string, msg mqtt.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg.Topic())
	r.mu.Unlock()
}

func (r *recordingObserver) StateChanged(st Status) {
	r.mu.Lock()
	r.states = append(r.states, st.State)
	r.mu.Unlock()
}

func (r *recordingObserver) snapshot() ([]string, []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]State(nil), r.states...)
}

func TestObserver_SeesMessagesAndTransitions(t *testing.T) {
	broker := mqtttest.NewBroker()
	defer broker.Close()

	obs := &recordingObserver{}
	cfg := testConfig()
	s := New(Deps{ID: "default", Connector: brokerConnector(broker, cfg, "default"), Config: cfg, Observer: Observers{obs}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var c collector
	_ = s.Subscribe(context.Background(), "esp8266/#", 0, c.consumer("c"))
	_ = broker.Publish("esp8266/led/status", []byte("ON"), 0, false)
	waitUntil(t, "delivery", func() bool { return c.count() == 1 })
	_ = s.Close()

	msgs, states := obs.snapshot()
	if len(msgs) != 1 || msgs[0] != "esp8266/led/status" {
		t.Errorf("messages = %v", msgs)
	}
	if len(states) < 3 || states[0] != StateConnecting || states[len(states)-1] != StateDisconnected {
		t.Errorf("states = %v, want connecting ... disconnected", states)
	}
}
