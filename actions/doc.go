// Package actions defines the contract between the request dispatcher and
// the business handlers it calls: the Action interface, the immutable
// Registry that maps action names to handlers, the error types that decide
// a response's status and code, and helpers for reading untyped request
// data and trimming responses to the requested fields.
package actions
