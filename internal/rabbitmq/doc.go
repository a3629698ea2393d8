// Package rabbitmq provides the RabbitMQ plumbing for the RPC bridge.
//
// This package includes:
//   - Channel and Connection: the slices of amqp091 used here, so tests can fake the broker
//   - ConnectionManager: bounded initial connect plus automatic reconnection
//   - Topology: the request, retry, error and dead-letter queues
//   - Publisher: publishing with optional publisher confirms
//   - Consumer: a manual-ack consume loop with a prefetch limit
package rabbitmq
