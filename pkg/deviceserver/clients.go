package deviceserver

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"microscope/pkg/config"
	"microscope/pkg/device"
)

const (
	writeWait      = 10 * time.Second
	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second

	frameContentType = "application/cbor"
)

// WSClient streams frames over a websocket connection as binary messages.
type WSClient struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
	logger log.FieldLogger
}

func NewWSClient(conn *websocket.Conn, logger log.FieldLogger) *WSClient {
	id := uuid.New().String()
	return &WSClient{
		id:     id,
		conn:   conn,
		logger: logger.WithField("client", id),
	}
}

func (c *WSClient) Deliver(data any, timestamp time.Time) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: websocket %s closed", device.ErrClientUnreachable, c.id)
	}

	msg, err := EncodeFrame(data, timestamp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", device.ErrClientUnreachable, err)
	}
	return nil
}

// readPump consumes control frames until the peer goes away.
func (c *WSClient) readPump() {
	defer c.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("websocket read error: %v", err)
			} else {
				c.logger.Debugf("websocket closed: %v", err)
			}
			return
		}
	}
}

func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *WSClient) isClosed() bool { return c.closed.Load() }

func (c *WSClient) String() string { return "ws:" + c.id }

// CallbackClient posts each frame to an HTTP endpoint.
type CallbackClient struct {
	url    string
	client *http.Client
}

func NewCallbackClient(url string, client *http.Client) *CallbackClient {
	if client == nil {
		client = &http.Client{Timeout: writeWait}
	}
	return &CallbackClient{url: url, client: client}
}

func (c *CallbackClient) Deliver(data any, timestamp time.Time) error {
	msg, err := EncodeFrame(data, timestamp)
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.url, frameContentType, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrClientUnreachable, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s answered %s", device.ErrClientUnreachable, c.url, resp.Status)
	case resp.StatusCode >= 300:
		return fmt.Errorf("callback %s answered %s", c.url, resp.Status)
	}
	return nil
}

func (c *CallbackClient) String() string { return c.url }

// MQTTClient publishes each frame on a topic. The subscribers are unknown
// so a publish failure never prunes the client.
type MQTTClient struct {
	client mqtt.Client
	topic  string
}

func NewMQTTClient(client mqtt.Client, topic string) *MQTTClient {
	return &MQTTClient{client: client, topic: topic}
}

func (c *MQTTClient) Deliver(data any, timestamp time.Time) error {
	msg, err := EncodeFrame(data, timestamp)
	if err != nil {
		return err
	}

	if !c.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt: not connected, dropping frame for %s", c.topic)
	}

	token := c.client.Publish(c.topic, 0, false, msg)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out after %v", c.topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", c.topic, err)
	}
	return nil
}

func (c *MQTTClient) String() string { return "mqtt:" + c.topic }

// ConnectMQTT connects to the broker used by mqtt:// clients.
func ConnectMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID("microscope-" + uuid.New().String()[:8])
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker: timeout after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", err)
	}
	return client, nil
}

// ErrUnknownScheme is returned for client URIs no transport handles.
var ErrUnknownScheme = errors.New("deviceserver: unknown client scheme")

// Resolver turns client URIs into clients. Resolving the same URI twice gives
// the same client so it can be found again on the client stack.
type Resolver struct {
	mu        sync.Mutex
	clients   map[string]device.Client
	http      *http.Client
	dialer    *websocket.Dialer
	mqtt      mqtt.Client
	topicRoot string
	logger    log.FieldLogger
}

// NewResolver creates a resolver. mqttClient may be nil, mqtt:// URIs are
// then rejected.
func NewResolver(mqttClient mqtt.Client, topicRoot string, logger log.FieldLogger) *Resolver {
	return &Resolver{
		clients:   make(map[string]device.Client),
		http:      &http.Client{Timeout: writeWait},
		dialer:    websocket.DefaultDialer,
		mqtt:      mqttClient,
		topicRoot: topicRoot,
		logger:    logger,
	}
}

// Resolve returns the client for uri. Schemes: http, https, ws, wss, mqtt.
func (r *Resolver) Resolve(uri string) (device.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[uri]; ok {
		if ws, isWS := c.(*WSClient); !isWS || !ws.isClosed() {
			return c, nil
		}
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: bad client uri %q: %v", device.ErrConfiguration, uri, err)
	}

	var c device.Client
	switch u.Scheme {
	case "http", "https":
		c = NewCallbackClient(uri, r.http)

	case "ws", "wss":
		conn, _, err := r.dialer.Dial(uri, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrClientUnreachable, err)
		}
		ws := NewWSClient(conn, r.logger)
		go ws.readPump()
		c = ws

	case "mqtt":
		if r.mqtt == nil {
			return nil, fmt.Errorf("%w: no MQTT broker configured", device.ErrNotSupported)
		}
		topic := strings.Trim(u.Host+u.Path, "/")
		if topic == "" {
			return nil, fmt.Errorf("%w: mqtt uri %q has no topic", device.ErrConfiguration, uri)
		}
		if r.topicRoot != "" {
			topic = r.topicRoot + "/" + topic
		}
		c = NewMQTTClient(r.mqtt, topic)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}

	r.clients[uri] = c
	r.logger.Debugf("Resolved client %s", uri)
	return c, nil
}
