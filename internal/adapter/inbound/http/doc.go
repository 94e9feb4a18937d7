// Package http serves the Lambda Runtime API emulation to the function
// runtime.
//
// The function runtime is pointed at this listener through
// AWS_LAMBDA_RUNTIME_API. Every call is answered through the invocation
// gate:
//
//	GET  /{version}/runtime/invocation/next              - gated long poll
//	POST /{version}/runtime/invocation/{requestId}/response - pass-through
//	POST /{version}/runtime/invocation/{requestId}/error    - pass-through
//	POST /{version}/runtime/init/error                      - pass-through
//
// Anything else gets a 404 with a JSON error body. Pass-through replies are
// streamed back with the control plane's status, headers, body and trailers.
//
// # Usage
//
//	transport := http.NewHTTPTransport(gate,
//	    http.WithAddr("127.0.0.1:9009"),
//	    http.WithAdminAddr("127.0.0.1:9010"),
//	    http.WithMetrics(metrics),
//	    http.WithRegistry(reg),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Admin endpoints
//
// When an admin address is set, a second listener serves:
//
//	GET /metrics - Prometheus metrics
//	GET /health  - JSON health report
//	GET /audit   - recent audit records (event, request_id, verdict, limit)
package http
