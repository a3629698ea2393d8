// Package contracts defines the wire envelope exchanged over the RPC bridge.
//
// Two message kinds travel through the broker:
//   - RequestMessage: an action invocation published to the requests queue
//   - ResponseMessage: the outcome, published to the caller's reply queue
//
// Both embed Envelope, which carries the message id, creation timestamp,
// correlation id and reply queue. Field names on the wire are snake_case so
// that other producers and consumers of the same queues can interoperate.
package contracts
