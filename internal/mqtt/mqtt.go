package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// QoS used for every subscription and publish: at least once.
const QoS byte = 1

// Message is the part of an inbound message handlers see.
type Message interface {
	Topic() string
	Payload() []byte
}

type Handler func(Message)

// ClientAPI is the surface the hub needs from a broker connection.
// It lets consumers and publishers be tested without a live broker.
type ClientAPI interface {
	Subscribe(topic string, h Handler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, payload []byte) error
}

type Client struct {
	cli mqtt.Client
}

var _ ClientAPI = (*Client)(nil)

var ErrNotConnected = errors.New("mqtt: not connected")

func brokerAddress(brokerURL string) (server string, u *url.URL, err error) {
	raw := strings.TrimSpace(brokerURL)
	if raw == "" {
		raw = "mqtt://localhost:1883"
	}
	u, err = url.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + u.Host
	case "ssl", "tls", "mqtts":
		server = "ssl://" + u.Host
	case "ws", "wss":
		server = u.Scheme + "://" + u.Host + u.Path
	default:
		return "", nil, errors.New("mqtt: unsupported broker scheme " + u.Scheme)
	}
	return server, u, nil
}

// Connect dials the broker and keeps reconnecting in the background.
func Connect(brokerURL, clientID string) (*Client, error) {
	server, u, err := brokerAddress(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	if strings.TrimSpace(clientID) == "" {
		clientID = "relay-hub-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if strings.HasPrefix(server, "ssl://") || strings.HasPrefix(server, "wss://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.OnConnect = func(_ mqtt.Client) { slog.Info("mqtt connected", "broker", server) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { slog.Warn("mqtt connection lost", "error", err) }

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, errors.New("mqtt: connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{cli: c}, nil
}

func (c *Client) Subscribe(topic string, h Handler) error {
	tok := c.cli.Subscribe(topic, QoS, func(_ mqtt.Client, m mqtt.Message) { h(m) })
	if !tok.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt: subscribe timed out")
	}
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	tok := c.cli.Unsubscribe(topics...)
	if !tok.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt: unsubscribe timed out")
	}
	return tok.Error()
}

// Publish hands payload to the client without waiting for the broker ack.
// Only failures the client reports immediately are returned; later ones are
// logged.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.cli.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := c.cli.Publish(topic, QoS, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	default:
	}
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			slog.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (c *Client) Close() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(1000)
}
