// Package messaging implements the request dispatcher: the server side of
// the bridge that consumes the request queue, executes actions and answers
// on each request's reply queue.
//
// Every delivery goes through the same steps:
//
//   - decode and validate the envelope; malformed bodies are answered with a
//     validation error when a reply queue is known and are dead-lettered
//   - check the credential against the allow-list
//   - reserve the idempotency key; a duplicate is answered from the cached
//     response, or with IN_PROGRESS while the original still executes
//   - dispatch to the action registry and classify the outcome
//   - store terminal outcomes for the key, reply and ack
//
// Unexpected failures are republished to the retry queue with an incremented
// x-retry-count header and reported on the errors queue. Once the retry
// budget is spent the request is dead-lettered and the caller receives an
// UNEXPECTED_ERROR reply. Deliveries are always acked, never requeued.
//
// Example usage:
//
//	registry := library.NewHandlers(repo).Registry()
//	server := messaging.NewServer(manager, registry, store,
//		messaging.WithTopology(rabbitmq.NewTopology("api", 5*time.Second)),
//		messaging.WithAuthenticator(actions.NewAuthenticator(keys)),
//		messaging.WithConsumers(2))
//
//	err := server.Run(ctx)
package messaging
