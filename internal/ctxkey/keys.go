// Package ctxkey defines context key types shared by the HTTP adapter and the services.
// It imports nothing from the module so any package can depend on it.
package ctxkey

// LoggerKey is the context key for the request-scoped logger.
// The HTTP middleware stores a logger carrying the proxy request_id under it.
type LoggerKey struct{}
