// Package gateway holds the notification delivery backends. Each subpackage
// implements tracker.Gateway: send(userId, message) returns a provider
// message ID or an error.
package gateway
