// Package dispatch resolves publish targets against the durable directories
// and fans payloads out to live registry handles. User-targeted publishes
// persist a notification row before any delivery is attempted; channel
// broadcasts persist nothing. Delivery is at-most-once and best-effort, and
// a delivered count of zero is a normal outcome.
package dispatch
