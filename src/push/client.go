package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chart-sync/src/helpers"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/stream"
)

// Client owns the connection of one push topic. Connection state is a
// replay-latest value; parsed messages are multicast to every subscriber.
// A transport failure leaves the client in the error state until a caller
// connects again.
type Client struct {
	topic     string
	url       string
	transport transport
	log       *logger.Logger

	messages *stream.Hub[models.Message]
	state    *stream.Latest[models.ConnectionState]

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// -----------------------------------------------------------------------------

// NewClient builds an idle client. bufferSize bounds each subscriber channel.
func NewClient(cfg models.MChannelConfig, bufferSize int, httpClient *http.Client, log *logger.Logger) (*Client, error) {
	t, err := newTransport(cfg.URL, httpClient)
	if err != nil {
		return nil, helpers.NewError(helpers.KindConfig, err, "channel %s", cfg.Topic)
	}
	if log == nil {
		log = logger.NewNopLogger("push")
	}
	log = log.Named(cfg.Topic)

	return &Client{
		topic:     cfg.Topic,
		url:       cfg.URL,
		transport: t,
		log:       log,
		messages:  stream.NewHub[models.Message]("push."+cfg.Topic, bufferSize, log),
		state:     stream.NewLatest(models.StateDisconnected),
	}, nil
}

// -----------------------------------------------------------------------------

func (c *Client) Topic() string { return c.topic }

func (c *Client) URL() string { return c.url }

// -----------------------------------------------------------------------------

// Connect opens the connection unless it is already open or opening.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Get() {
	case models.StateConnected, models.StateConnecting:
		return
	}

	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state.Set(models.StateConnecting)
	c.log.Info("connecting to %s", c.url)

	go c.run(ctx, c.gen)
}

// -----------------------------------------------------------------------------

// Disconnect closes the connection if open. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	if c.state.Get() != models.StateDisconnected {
		c.log.Info("disconnected")
		c.state.Set(models.StateDisconnected)
	}
}

// -----------------------------------------------------------------------------

// Messages subscribes to parsed payloads until ctx ends or the subscription is
// closed. It does not connect.
func (c *Client) Messages(ctx context.Context) *stream.Subscription[models.Message] {
	return c.messages.Subscription(ctx)
}

// -----------------------------------------------------------------------------

// CreateStream with enabled=false tears the connection down and returns a
// stream that is already complete. With enabled=true it connects if needed and
// returns a subscription to the shared stream, released when ctx ends.
func (c *Client) CreateStream(ctx context.Context, enabled bool) *stream.Subscription[models.Message] {
	if !enabled {
		c.Disconnect()
		return stream.Closed[models.Message]()
	}

	sub := c.Messages(ctx)
	c.Connect()
	return sub
}

// -----------------------------------------------------------------------------

func (c *Client) State() models.ConnectionState {
	return c.state.Get()
}

// WatchState replays the current state, then every transition.
func (c *Client) WatchState(ctx context.Context) *stream.Subscription[models.ConnectionState] {
	return c.state.Subscribe(ctx)
}

// -----------------------------------------------------------------------------

// Close disconnects and completes every subscriber stream.
func (c *Client) Close() {
	c.Disconnect()
	c.messages.Close()
	c.state.Close()
}

// -----------------------------------------------------------------------------

func (c *Client) run(ctx context.Context, gen uint64) {
	conn, err := c.transport.Open(ctx)
	if err != nil {
		c.fail(ctx, gen, err)
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		if stop() {
			_ = conn.Close()
		}
	}()

	if !c.transition(gen, models.StateConnected) {
		return
	}
	c.log.Info("connected to %s", c.url)

	for {
		data, err := conn.Next()
		if err != nil {
			c.fail(ctx, gen, err)
			return
		}

		msg, err := parseMessage(c.topic, data)
		if err != nil {
			c.log.Warning("dropping malformed message: %v", err)
			continue
		}
		c.messages.Broadcast(msg)
	}
}

// -----------------------------------------------------------------------------

// transition sets the state if gen is still the live connection attempt.
func (c *Client) transition(gen uint64, s models.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return false
	}
	c.state.Set(s)
	return true
}

// -----------------------------------------------------------------------------

func (c *Client) fail(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.log.Error("%v", helpers.NewError(helpers.KindTransport, err, "channel %s", c.topic))
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state.Set(models.StateError)
}

// -----------------------------------------------------------------------------

// parseMessage accepts a JSON object carrying a non-empty string "event".
func parseMessage(topic string, data []byte) (models.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.Message{}, helpers.NewError(helpers.KindDecode, err, "payload is not a JSON object")
	}

	raw, ok := fields["event"]
	if !ok {
		return models.Message{}, helpers.NewError(helpers.KindDecode, nil, "payload has no event field")
	}
	var event string
	if err := json.Unmarshal(raw, &event); err != nil || event == "" {
		return models.Message{}, helpers.NewError(helpers.KindDecode, nil, "event must be a non-empty string, got %s", truncate(raw))
	}

	return models.Message{
		Topic:      topic,
		Event:      event,
		Payload:    json.RawMessage(append([]byte(nil), data...)),
		ReceivedAt: time.Now(),
	}, nil
}

// -----------------------------------------------------------------------------

func truncate(b []byte) string {
	const limit = 64
	if len(b) <= limit {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:limit])
}
