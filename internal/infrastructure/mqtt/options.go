package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for CONNACK.
	defaultConnectTimeout = 10 * time.Second

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// protocolName and protocolLevel identify MQTT 3.1.1 in CONNECT.
	protocolName  = "MQTT"
	protocolLevel = 4

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// clientIDPrefix prefixes generated client identifiers.
	clientIDPrefix = "mqttlink-"
)

// CONNACK return codes (MQTT 3.1.1 section 3.2.2.3).
const (
	connackAccepted          byte = 0x00
	connackBadProtocol       byte = 0x01
	connackIDRejected        byte = 0x02
	connackServerUnavailable byte = 0x03
	connackBadCredentials    byte = 0x04
	connackNotAuthorised     byte = 0x05
)

// Options describes one broker connection. Build it with NewOptions.
type Options struct {
	Scheme string
	Host   string
	Port   int
	Path   string

	// Discover resolves Host/Port via mDNS before each dial.
	Discover bool
	Instance string

	ClientID string
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// StatusTopic, when set, carries the retained offline Last Will and the
	// online/offline announcements.
	StatusTopic string

	// TLSConfig overrides the default TLS settings for ssl/tls/wss.
	TLSConfig *tls.Config
}

// NewOptions builds connection options for one configured broker target.
// A missing client ID is replaced with a generated one.
func NewOptions(target config.MQTTTargetConfig, cfg config.MQTTConfig) Options {
	opts := Options{
		Scheme:         strings.ToLower(target.Broker.Scheme),
		Host:           target.Broker.Host,
		Port:           target.Broker.Port,
		Path:           target.Broker.Path,
		Discover:       target.Broker.Discover,
		Instance:       target.Broker.Instance,
		ClientID:       target.Broker.ClientID,
		Username:       target.Auth.Username,
		Password:       target.Auth.Password,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		StatusTopic:    cfg.StatusTopic,
	}
	if opts.Scheme == "" {
		opts.Scheme = config.SchemeTCP
	}
	if opts.ClientID == "" {
		opts.ClientID = GenerateClientID()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.KeepAlive < 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	return opts
}

// GenerateClientID returns a client identifier of the form mqttlink-<8 hex>.
func GenerateClientID() string {
	id := uuid.New()
	return clientIDPrefix + fmt.Sprintf("%x", id[:4])
}

// Address returns host:port.
func (o Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// BrokerURL returns the broker as a URL, e.g. wss://broker.hivemq.com:8884/mqtt.
// Used for status reporting and logs.
func (o Options) BrokerURL() string {
	if o.Discover && o.Host == "" {
		return o.Scheme + "://(mdns)"
	}
	u := o.Scheme + "://" + o.Address()
	if o.isWebSocket() {
		u += o.wsPath()
	}
	return u
}

func (o Options) isWebSocket() bool {
	return o.Scheme == config.SchemeWS || o.Scheme == config.SchemeWSS
}

func (o Options) isTLS() bool {
	return o.Scheme == config.SchemeSSL || o.Scheme == config.SchemeTLS || o.Scheme == config.SchemeWSS
}

func (o Options) wsPath() string {
	if o.Path == "" {
		return "/mqtt"
	}
	if !strings.HasPrefix(o.Path, "/") {
		return "/" + o.Path
	}
	return o.Path
}

func (o Options) tlsConfig() *tls.Config {
	if o.TLSConfig != nil {
		return o.TLSConfig.Clone()
	}
	return &tls.Config{
		MinVersion: tlsMinVersion,
		ServerName: o.Host,
	}
}

// buildConnectPacket creates the CONNECT packet for these options.
//
// This configures:
//   - MQTT 3.1.1 protocol name and level
//   - Clean session (no persistent session on the broker)
//   - Credentials (if provided)
//   - Keepalive in whole seconds
//   - Last Will (if a status topic is configured)
func buildConnectPacket(o Options) *packets.ConnectPacket {
	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = protocolName
	cp.ProtocolVersion = protocolLevel
	cp.CleanSession = true
	cp.ClientIdentifier = o.ClientID
	cp.Keepalive = uint16(o.KeepAlive / time.Second)

	if o.Username != "" {
		cp.UsernameFlag = true
		cp.Username = o.Username
		if o.Password != "" {
			cp.PasswordFlag = true
			cp.Password = []byte(o.Password)
		}
	}

	configureLWT(cp, o)
	return cp
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will if the link drops without DISCONNECT, so
// devices and dashboards watching the status topic see the service go away.
//
// QoS: 1 (guaranteed delivery)
// Retained: true (new subscribers see last status)
func configureLWT(cp *packets.ConnectPacket, o Options) {
	if o.StatusTopic == "" {
		return
	}
	cp.WillFlag = true
	cp.WillQos = 1
	cp.WillRetain = true
	cp.WillTopic = o.StatusTopic
	cp.WillMessage = OfflinePayload(o.ClientID, "unexpected_disconnect")
}

// statusPayload is the JSON body written to the status topic.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func buildStatusPayload(status, clientID, reason string) []byte {
	b, err := json.Marshal(statusPayload{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Marshalling four strings cannot fail.
		return nil
	}
	return b
}

// OnlinePayload creates the JSON payload published retained after connecting.
func OnlinePayload(clientID string) []byte {
	return buildStatusPayload("online", clientID, "")
}

// OfflinePayload creates the JSON payload for offline status.
// reason is "graceful_shutdown" for an explicit disconnect.
func OfflinePayload(clientID, reason string) []byte {
	return buildStatusPayload("offline", clientID, reason)
}
