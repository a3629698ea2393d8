package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const maxBackoff = 5 * time.Minute

// ConnectionManager owns the broker connection of a process. After Connect
// succeeds it watches the connection and redials when the broker drops it.
type ConnectionManager struct {
	url             string
	dial            Dialer
	reconnectDelay  time.Duration
	maxRetries      int
	connectAttempts int
	dialTimeout     time.Duration
	logger          *slog.Logger

	// life ends on Close and stops the reconnect loop
	life context.Context
	stop context.CancelFunc

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first delay between dial attempts. Later
// delays double up to five minutes.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries caps the dial attempts after a connection loss. Negative
// means redial until Close.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectAttempts sets how many times Connect dials before giving up
func WithConnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectAttempts = attempts
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a disconnected manager for url
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:             url,
		dial:            Dial,
		reconnectDelay:  2 * time.Second,
		maxRetries:      -1,
		connectAttempts: 10,
		dialTimeout:     30 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(cm)
	}
	cm.life, cm.stop = context.WithCancel(context.Background())
	return cm
}

// Connect dials the broker up to the configured number of attempts
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.IsConnected() {
		return nil
	}

	attempts := max(cm.connectAttempts, 1)
	conn, err := cm.dialLoop(ctx, "connect", attempts)
	if err != nil {
		return err
	}
	return cm.adopt(conn)
}

// dialLoop dials until success, ctx ends or attempts run out. attempts
// below one means no limit.
func (cm *ConnectionManager) dialLoop(ctx context.Context, op string, attempts int) (Connection, error) {
	var lastErr error
	for attempt := 0; attempts < 1 || attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := cm.backoff(attempt - 1)
			cm.logger.Warn("rabbitmq not ready, retrying",
				"op", op,
				"attempt", attempt,
				"maxAttempts", attempts,
				"retryIn", delay,
				"error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, cm.connectionError(op, ctx.Err(), attempt)
			}
		}

		conn, err := cm.dialWithTimeout(ctx)
		if err == nil {
			cm.logger.Info("connected to RabbitMQ",
				"url", SanitizeURL(cm.url),
				"op", op,
				"attempts", attempt+1)
			return conn, nil
		}
		lastErr = err
	}

	if op == "reconnect" {
		lastErr = errors.Join(ErrMaxRetriesExceeded, lastErr)
	}
	return nil, cm.connectionError(op, lastErr, attempts)
}

func (cm *ConnectionManager) connectionError(op string, err error, attempts int) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// adopt makes conn current and starts watching it
func (cm *ConnectionManager) adopt(conn Connection) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	}
	cm.conn = conn
	cm.isConnected = true
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.mu.Unlock()

	go cm.watch(conn, closed)
	return nil
}

// watch waits for conn to close and redials unless the manager is closing
func (cm *ConnectionManager) watch(conn Connection, closed <-chan *amqp.Error) {
	var cause error = ErrConnectionClosed
	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			cause = amqpErr
		}
	case <-cm.life.Done():
		return
	}

	cm.mu.Lock()
	if cm.closed || cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	cm.isConnected = false
	cm.conn = nil
	cm.mu.Unlock()

	cm.logger.Error("connection closed", "error", cause)

	start := time.Now()
	next, err := cm.dialLoop(cm.life, "reconnect", cm.maxRetries)
	if err != nil {
		if cm.life.Err() == nil {
			cm.logger.Error("giving up on reconnecting", "duration", time.Since(start), "error", err)
		}
		return
	}
	if err := cm.adopt(next); err == nil {
		cm.logger.Info("reconnected to RabbitMQ", "duration", time.Since(start))
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Err:       errors.Join(ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.stop()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.isConnected = false

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	return err
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		// a dial finishing after the deadline must not leak its connection
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// backoff doubles the reconnect delay per attempt, capped at five minutes,
// with ±12.5% jitter
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	delay := cm.reconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for i := 0; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, maxBackoff)

	spread := int64(delay) / 4
	if spread > 0 {
		delay += time.Duration(rand.Int63n(spread) - spread/2)
	}
	return delay
}
