package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/statecache"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// defaultAckTimeout bounds the wait for SUBACK and UNSUBACK.
const defaultAckTimeout = 10 * time.Second

// Connector opens broker links. *mqtt.Connector satisfies it.
type Connector interface {
	Connect(ctx context.Context) (*mqtt.Link, error)
	Options() mqtt.Options
}

// Logger defines the logging interface used by sessions.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps holds everything a Session needs.
type Deps struct {
	// ID names the session; it is the broker target name.
	ID        string
	Connector Connector
	// Config supplies publish, reconnect and status topic settings.
	Config config.MQTTConfig

	// Optional.
	Cache    *statecache.Cache
	Logger   Logger
	Observer Observer
	// OnClosed runs once after the session has shut down for any reason.
	OnClosed func(*Session)
}

// Session is one MQTT client session with a broker.
//
// A session owns its connection and its subscription registry. It keeps the
// registry across reconnects and clears it on Close.
//
// Goroutines per session:
//   - supervisor: reads packets, delivers inbound messages in order, reconnects
//   - writer: drains the bounded outbound queue
//   - pinger: one per live link (see mqtt.Link)
//
// Publish callers wait on their own message's completion channel and drive
// its retries. All public methods are safe for concurrent use.
type Session struct {
	id          string
	connector   Connector
	broker      string
	clientID    string
	statusTopic string
	publishCfg  config.MQTTPublishConfig
	reconnCfg   config.MQTTReconnectConfig
	backoff     *mqtt.Backoff
	ackTimeout  time.Duration

	registry *topic.Registry
	cache    *statecache.Cache
	logger   Logger
	observer Observer
	onClosed func(*Session)

	ids      *packetIDs
	inflight *inflightTable
	pending  *pendingAcks
	queue    chan *queued

	// inboundQoS2 holds IDs of QoS 2 messages delivered but not yet
	// released. Only the supervisor goroutine touches it.
	inboundQoS2 map[uint16]struct{}

	subMu   sync.Mutex
	link    atomic.Pointer[mqtt.Link]
	status  atomic.Pointer[connState]
	stateMu sync.Mutex // orders state writes against the final Disconnected

	started   atomic.Bool
	lifeMu    sync.Mutex // guards closing s.closed against wg.Add in Start
	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a session. Call Start to connect.
func New(deps Deps) *Session {
	opts := deps.Connector.Options()
	ctx, cancel := context.WithCancel(context.Background())

	queueSize := deps.Config.Publish.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	s := &Session{
		id:          deps.ID,
		connector:   deps.Connector,
		broker:      opts.BrokerURL(),
		clientID:    opts.ClientID,
		statusTopic: deps.Config.StatusTopic,
		publishCfg:  deps.Config.Publish,
		reconnCfg:   deps.Config.Reconnect,
		backoff:     mqtt.NewBackoff(deps.Config.Reconnect.InitialDelay, deps.Config.Reconnect.MaxDelay),
		ackTimeout:  defaultAckTimeout,
		registry:    topic.NewRegistry(),
		cache:       deps.Cache,
		logger:      deps.Logger,
		observer:    deps.Observer,
		onClosed:    deps.OnClosed,
		ids:         newPacketIDs(),
		inflight:    newInflightTable(),
		pending:     newPendingAcks(),
		queue:       make(chan *queued, queueSize),
		inboundQoS2: make(map[uint16]struct{}),
		closed:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.publishCfg.RetryInterval <= 0 {
		s.publishCfg.RetryInterval = 5 * time.Second
	}
	s.status.Store(&connState{state: StateDisconnected, lastUpdate: time.Now().UTC()})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Start performs the initial connect.
//
// An authentication rejection is returned and the session is closed. Any
// transient failure leaves the session in the reconnecting state with a
// background retry loop, and Start returns nil.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.setState(StateConnecting, nil, 0)
	link, err := s.connector.Connect(ctx)
	if err != nil && !mqtt.IsTransient(err) {
		s.logger.Error("broker refused session", "session_id", s.id, "broker", s.broker, "error", err)
		s.shutdown(err)
		return err
	}

	s.lifeMu.Lock()
	if s.isClosed() {
		s.lifeMu.Unlock()
		if link != nil {
			link.Close()
		}
		return ErrSessionClosed
	}
	s.wg.Add(2)
	s.lifeMu.Unlock()

	go s.writeLoop()

	if err != nil {
		s.logger.Warn("initial connect failed, retrying in background", "session_id", s.id, "broker", s.broker, "error", err)
		s.setState(StateReconnecting, err, 0)
		go s.supervise(nil)
		return nil
	}

	if !s.attach(link, false) {
		s.wg.Done()
		return ErrSessionClosed
	}
	go s.supervise(link)
	return nil
}

// Close disconnects from the broker. Queued and in-flight publishes fail
// with ErrSessionClosed and the subscription registry is cleared.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// Status returns a snapshot of the session. It never blocks on I/O.
func (s *Session) Status() Status {
	cs := s.status.Load()
	return Status{
		SessionID:     s.id,
		Connected:     cs.state == StateConnected,
		State:         cs.state,
		Subscriptions: s.registry.Filters(),
		LastUpdate:    cs.lastUpdate,
		LastError:     cs.lastError,
		RetryCount:    cs.retryCount,
		Broker:        s.broker,
		ClientID:      s.clientID,
		InFlight:      s.inflight.len(),
	}
}

// Subscriptions returns the registry entries.
func (s *Session) Subscriptions() []topic.Subscription {
	return s.registry.Entries()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// setState records a transition. Once the session is closed only
// Disconnected is accepted, so a late connect cannot revive it.
func (s *Session) setState(state State, err error, retries int) {
	cs := &connState{state: state, lastUpdate: time.Now().UTC(), retryCount: retries}
	if err != nil {
		cs.lastError = err.Error()
	}
	s.stateMu.Lock()
	if state != StateDisconnected && s.isClosed() {
		s.stateMu.Unlock()
		return
	}
	prev := s.status.Swap(cs)
	s.stateMu.Unlock()
	if prev == nil || prev.state != cs.state || prev.lastError != cs.lastError || prev.retryCount != cs.retryCount {
		s.observer.StateChanged(s.Status())
	}
}

// attach makes link the live connection. After a reconnect every registered
// filter is re-issued and unacknowledged publishes are resent with DUP.
//
// It reports false, and closes link, when the session closed while link was
// being established. shutdown closes s.closed before taking the link, so
// either it sees the stored link or this check sees the close.
func (s *Session) attach(link *mqtt.Link, reconnect bool) bool {
	s.link.Store(link)
	if s.isClosed() {
		s.link.CompareAndSwap(link, nil)
		link.Close()
		return false
	}
	clear(s.inboundQoS2)
	s.setState(StateConnected, nil, 0)
	s.logger.Info("connected to broker", "session_id", s.id, "broker", link.Broker(), "reconnect", reconnect)

	if s.statusTopic != "" {
		online := mqtt.NewPublishPacket(s.statusTopic, mqtt.OnlinePayload(s.clientID), 0, true, 0)
		if err := link.WritePacket(online); err != nil {
			s.logger.Warn("failed to publish online status", "session_id", s.id, "error", err)
		}
	}

	s.resubscribe(link)
	if reconnect {
		s.resendInflight(link)
	}
	return true
}

// supervise owns the read side of every link for the life of the session.
func (s *Session) supervise(link *mqtt.Link) {
	defer s.wg.Done()

	for {
		if link == nil {
			link = s.reconnect()
			if link == nil {
				return
			}
		}

		err := s.readLoop(link)
		s.link.CompareAndSwap(link, nil)
		s.pending.failAll()
		link.Close()

		if s.isClosed() {
			return
		}
		s.logger.Warn("connection lost", "session_id", s.id, "broker", s.broker, "error", err)
		s.setState(StateReconnecting, err, 0)
		link = nil
	}
}

// reconnect retries Connect with backoff. It returns nil when the session
// closed or the failure is permanent, in which case shutdown is under way.
func (s *Session) reconnect() *mqtt.Link {
	var lastErr error
	if cs := s.status.Load(); cs.lastError != "" {
		lastErr = errorString(cs.lastError)
	}

	for attempt := 0; ; attempt++ {
		if maxAttempts := s.reconnCfg.MaxAttempts; maxAttempts > 0 && attempt >= maxAttempts {
			s.logger.Error("giving up on broker", "session_id", s.id, "attempts", attempt, "error", lastErr)
			go s.shutdown(newGiveUpError(attempt, lastErr))
			return nil
		}

		timer := time.NewTimer(s.backoff.Delay(attempt))
		select {
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
			return nil
		}

		s.setState(StateReconnecting, lastErr, attempt+1)
		link, err := s.connector.Connect(s.ctx)
		if s.isClosed() {
			if link != nil {
				link.Close()
			}
			return nil
		}
		if err == nil {
			if !s.attach(link, true) {
				return nil
			}
			return link
		}

		lastErr = err
		if !mqtt.IsTransient(err) {
			s.logger.Error("broker refused reconnect, closing session", "session_id", s.id, "error", err)
			go s.shutdown(err)
			return nil
		}
		s.logger.Warn("reconnect failed", "session_id", s.id, "attempt", attempt+1, "error", err)
		s.setState(StateReconnecting, err, attempt+1)
	}
}

// shutdown closes the session exactly once. cause is nil for an explicit
// Close.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		close(s.closed)
		s.lifeMu.Unlock()
		s.cancel()
		link := s.link.Swap(nil)

		if link != nil {
			if s.statusTopic != "" {
				offline := mqtt.NewPublishPacket(s.statusTopic, mqtt.OfflinePayload(s.clientID, "graceful_shutdown"), 0, true, 0)
				_ = link.WritePacket(offline)
			}
			if err := link.Disconnect(); err != nil {
				s.logger.Debug("disconnect write failed", "session_id", s.id, "error", err)
			}
		}

		s.inflight.failAll(ErrSessionClosed)
		s.pending.failAll()
		s.wg.Wait()

		s.registry.Clear()
		s.setState(StateDisconnected, cause, 0)
		s.logger.Info("session closed", "session_id", s.id, "broker", s.broker)

		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}
