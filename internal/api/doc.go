// Package api provides the status HTTP API and live event stream for
// itag2mqttd.
//
// This package provides:
//   - Read endpoints for device records, adapter claims and connectivity history
//   - An alert endpoint that makes a connected tag beep
//   - A WebSocket hub relaying button, battery and connectivity events
//   - Optional bearer-token auth (HS256 JWT) with ticket-based WebSocket auth
//   - Prometheus exposition on /metrics
//
// # Endpoints
//
//	GET  /api/v1/health                  bridge health message (no auth)
//	GET  /api/v1/events                  WebSocket event stream (ticket auth)
//	POST /api/v1/auth/ws-ticket          single-use WebSocket ticket
//	GET  /api/v1/system                  runtime and bridge summary
//	GET  /api/v1/devices                 every configured device
//	GET  /api/v1/devices/{id}            one device
//	GET  /api/v1/devices/{id}/history    connectivity transitions, newest first
//	POST /api/v1/devices/{id}/alert      {"level": "high"}
//	GET  /api/v1/adapters                adapters and their claims
//	GET  /metrics                        Prometheus metrics
//
// # Security
//
// When api.auth.jwt_secret is empty every endpoint is open; the default bind
// address is loopback. With a secret, protected routes need
// "Authorization: Bearer <token>" signed HS256 with that secret and carrying
// sub and exp claims. WebSocket connections use single-use tickets so the
// token never appears in a URL.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
