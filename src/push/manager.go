package push

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/stream"
)

// Topics used by the engine.
const (
	TopicMarket     = "market"
	TopicRunningLog = "running-log"
	TopicStateLog   = "state-log"
	TopicTest       = "test"
)

// Manager is the keyed registry of push clients, one per topic.
type Manager struct {
	Clients    map[string]*Client
	Logger     *logger.Logger
	mu         sync.RWMutex
	enabled    map[string]bool
	bufferSize int
	httpClient *http.Client
}

// -----------------------------------------------------------------------------

func NewManager(channels []models.MChannelConfig, bufferSize int, httpClient *http.Client, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNopLogger("push")
	}
	m := &Manager{
		Clients:    make(map[string]*Client),
		Logger:     log,
		enabled:    make(map[string]bool),
		bufferSize: bufferSize,
		httpClient: httpClient,
	}

	for _, ch := range channels {
		if err := m.AddClient(ch); err != nil {
			m.CloseAll()
			return nil, err
		}
	}
	return m, nil
}

// -----------------------------------------------------------------------------

// AddClient registers a client for a new topic.
func (m *Manager) AddClient(cfg models.MChannelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Clients[cfg.Topic]; exists {
		return fmt.Errorf("client for topic %s already exists", cfg.Topic)
	}

	c, err := NewClient(cfg, m.bufferSize, m.httpClient, m.Logger)
	if err != nil {
		return err
	}
	m.Clients[cfg.Topic] = c
	m.enabled[cfg.Topic] = cfg.Enabled
	m.Logger.Info("Added push client: %s (%s)", cfg.Topic, cfg.URL)
	return nil
}

// -----------------------------------------------------------------------------

// RemoveClient closes and removes a client.
func (m *Manager) RemoveClient(topic string) error {
	m.mu.Lock()
	c, exists := m.Clients[topic]
	delete(m.Clients, topic)
	delete(m.enabled, topic)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("client for topic %s not found", topic)
	}
	c.Close()
	m.Logger.Info("Removed push client: %s", topic)
	return nil
}

// -----------------------------------------------------------------------------

// Client retrieves the client of a topic.
func (m *Manager) Client(topic string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.Clients[topic]
	if !exists {
		return nil, fmt.Errorf("client for topic %s not found", topic)
	}
	return c, nil
}

// -----------------------------------------------------------------------------

// Topics returns the registered topics in sorted order.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topics := make([]string, 0, len(m.Clients))
	for t := range m.Clients {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// -----------------------------------------------------------------------------

// States snapshots the connection state of every topic.
func (m *Manager) States() map[string]models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]models.ConnectionState, len(m.Clients))
	for t, c := range m.Clients {
		states[t] = c.State()
	}
	return states
}

// -----------------------------------------------------------------------------

// CreateStream opens a stream on a topic, honoring the channel's enabled flag.
// An unknown topic yields a stream that is already complete.
func (m *Manager) CreateStream(ctx context.Context, topic string) *stream.Subscription[models.Message] {
	c, err := m.Client(topic)
	if err != nil {
		m.Logger.Warning("%v", err)
		return stream.Closed[models.Message]()
	}
	return c.CreateStream(ctx, m.Enabled(topic))
}

// -----------------------------------------------------------------------------

// Enabled reports whether the topic was declared enabled.
func (m *Manager) Enabled(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled[topic]
}

// -----------------------------------------------------------------------------

// CloseAll closes every client.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.Clients
	m.Clients = make(map[string]*Client)
	m.mu.Unlock()

	m.Logger.Info("Closing %d push clients...", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
