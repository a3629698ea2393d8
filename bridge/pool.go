package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/shelfbridge/contracts"
)

// DefaultPoolSize is used when NewPool is given a non-positive size
const DefaultPoolSize = 4

// Pool hands out sessions so that concurrent callers each hold their own.
// Sessions connect lazily on first use.
type Pool struct {
	client   *Client
	sessions chan *Session
	size     int

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of size sessions
func NewPool(client *Client, size int) (*Pool, error) {
	if client == nil {
		return nil, errors.New("bridge: nil client")
	}
	if size <= 0 {
		size = DefaultPoolSize
	}

	p := &Pool{
		client:   client,
		sessions: make(chan *Session, size),
		size:     size,
	}
	for i := 0; i < size; i++ {
		p.sessions <- client.NewSession()
	}
	return p, nil
}

// Size returns the number of sessions the pool owns
func (p *Pool) Size() int {
	return p.size
}

// Get waits for a free session
func (p *Pool) Get(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, &CallError{
			Op:        "get session",
			Err:       fmt.Errorf("%w: %d sessions in use", ctx.Err(), p.size),
			Timestamp: time.Now(),
		}
	}
}

// Put returns a session taken with Get
func (p *Pool) Put(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.Close()
		return
	}
	p.sessions <- s
}

// Call sends req on a pooled session
func (p *Pool) Call(ctx context.Context, req *contracts.RequestMessage, timeout time.Duration) (*contracts.ResponseMessage, error) {
	s, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Put(s)
	return s.SendRequest(ctx, req, timeout)
}

// Close closes idle sessions now and busy ones as they are returned
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.sessions:
			s.Close()
		default:
			return nil
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
