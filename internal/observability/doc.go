// Package observability builds the service logger and the Prometheus
// collectors for the chat gateway.
//
// This package implements:
//   - zap logger construction from LOG_LEVEL and LOG_FORMAT
//   - request-scoped loggers carrying chi's request ID
//   - gateway metrics on a private Prometheus registry
package observability
