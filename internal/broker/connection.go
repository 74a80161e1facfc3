package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectionNotReady is returned when the AMQP connection has
	// not been established yet or dropped.
	ErrConnectionNotReady = errors.New("connection not ready")

	// ErrConnectTimeout is returned when dialing exceeds its deadline.
	ErrConnectTimeout = errors.New("connection timeout")
)

// ConnectionManager owns the AMQP connection and reconnects with
// exponential backoff when the broker drops it.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	connected      bool
	done           chan struct{}
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnects caps reconnection attempts. Negative means
// unlimited.
func WithMaxReconnects(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a connection manager for the given URL.
func NewConnectionManager(amqpURL string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            amqpURL,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return err
	}

	cm.conn = conn
	cm.connected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)

	cm.logger.Info("connected to broker", "url", sanitizeURL(cm.url))

	go cm.handleReconnect()
	return nil
}

// Connection returns the live connection.
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// Channel opens a fresh channel on the live connection.
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected reports the connection state.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close shuts down the connection and stops the reconnect loop.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.connected {
		return nil
	}

	close(cm.done)
	cm.connected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectTimeout
	}
}

func (cm *ConnectionManager) handleReconnect() {
	for {
		select {
		case err := <-cm.notifyClose:
			if err != nil {
				cm.logger.Error("broker connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.connected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.reconnect()

		case <-cm.done:
			return
		}
	}
}

func (cm *ConnectionManager) reconnect() {
	attempt := 0
	for {
		select {
		case <-cm.done:
			return
		default:
		}

		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("giving up reconnecting", "attempts", attempt)
			return
		}

		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt)):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("reconnecting to broker", "attempt", attempt+1)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnect failed", "attempt", attempt+1, "error", err)
			attempt++
			continue
		}

		cm.mu.Lock()
		cm.conn = conn
		cm.connected = true
		cm.notifyClose = make(chan *amqp.Error, 1)
		cm.conn.NotifyClose(cm.notifyClose)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker", "attempts", attempt+1)
		return
	}
}

func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	delay := cm.reconnectDelay * time.Duration(1<<uint(min(attempt, 6)))
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

// sanitizeURL strips credentials before logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
