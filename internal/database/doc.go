// Package database provides the PostgreSQL-backed durable directories:
// connections, subscriptions, and the notification record store.
package database
