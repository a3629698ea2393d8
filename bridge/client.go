package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/reliability"
)

// DefaultRequestQueue is the queue requests are published to
const DefaultRequestQueue = "api.requests"

// DefaultTimeout applies when a call passes a non-positive timeout
const DefaultTimeout = 30 * time.Second

// Client creates sessions against one broker and request queue
type Client struct {
	url          string
	requestQueue string
	dial         rabbitmq.Dialer
	dialRetry    reliability.RetryPolicy
	logger       *slog.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithRequestQueue sets the queue requests are published to
func WithRequestQueue(name string) ClientOption {
	return func(c *Client) {
		c.requestQueue = name
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithDialRetry retries failed dials with policy
func WithDialRetry(policy reliability.RetryPolicy) ClientOption {
	return func(c *Client) {
		c.dialRetry = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the broker at url
func NewClient(url string, options ...ClientOption) *Client {
	c := &Client{
		url:          url,
		requestQueue: DefaultRequestQueue,
		dial:         rabbitmq.Dial,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// NewSession creates a session. It connects on its first call.
func (c *Client) NewSession() *Session {
	return newSession(c)
}

// Call sends req on a throwaway session
func (c *Client) Call(ctx context.Context, req *contracts.RequestMessage, timeout time.Duration) (*contracts.ResponseMessage, error) {
	s := c.NewSession()
	defer s.Close()
	return s.SendRequest(ctx, req, timeout)
}

func (c *Client) connect(ctx context.Context) (rabbitmq.Connection, error) {
	if c.dialRetry == nil {
		return c.dial(c.url)
	}

	var conn rabbitmq.Connection
	err := reliability.RetryNotify(ctx, c.dialRetry, func(context.Context) error {
		var err error
		conn, err = c.dial(c.url)
		return err
	}, func(err error, attempt int, delay time.Duration) {
		c.logger.Warn("broker dial failed, retrying",
			"url", rabbitmq.SanitizeURL(c.url),
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
	})
	return conn, err
}
