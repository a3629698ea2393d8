// Copyright 2024 Shelfbridge Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shelfbridge wires the RPC bridge together: a Service that serves
// the library actions over RabbitMQ, and client pools that call it.
package shelfbridge

import (
	"time"

	"github.com/glimte/shelfbridge/bridge"
	"github.com/glimte/shelfbridge/config"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/reliability"
)

// DefaultPoolSize is the number of client sessions NewClient creates
const DefaultPoolSize = 4

// ClientOption configures NewClient
type ClientOption func(*clientConfig)

type clientConfig struct {
	poolSize int
	bridge   []bridge.ClientOption
}

// WithPoolSize sets the number of concurrent sessions
func WithPoolSize(size int) ClientOption {
	return func(c *clientConfig) {
		c.poolSize = size
	}
}

// WithBridgeOptions passes options through to the bridge client
func WithBridgeOptions(options ...bridge.ClientOption) ClientOption {
	return func(c *clientConfig) {
		c.bridge = append(c.bridge, options...)
	}
}

// NewClient creates a session pool calling the service described by cfg
func NewClient(cfg config.Config, options ...ClientOption) (*bridge.Pool, error) {
	cc := &clientConfig{poolSize: DefaultPoolSize}
	for _, opt := range options {
		opt(cc)
	}

	topology := rabbitmq.NewTopology(cfg.RabbitMQ.QueuePrefix, cfg.Dispatcher.RetryDelay)
	bridgeOptions := append([]bridge.ClientOption{
		bridge.WithRequestQueue(topology.Requests),
		bridge.WithLogger(cfg.Log.NewLogger()),
		bridge.WithDialer(rabbitmq.NewDialer(cfg.RabbitMQ.Heartbeat)),
		bridge.WithDialRetry(reliability.NewExponentialBackoff(
			200*time.Millisecond, cfg.RabbitMQ.ReconnectDelay, 2.0, cfg.RabbitMQ.ConnectAttempts-1)),
	}, cc.bridge...)

	client := bridge.NewClient(cfg.RabbitMQ.AMQPURL(), bridgeOptions...)
	return bridge.NewPool(client, cc.poolSize)
}
