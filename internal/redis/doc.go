// Package redis provides Redis-backed supporting infrastructure: the
// per-sender publish rate limiter and the unread-notification count cache.
package redis
