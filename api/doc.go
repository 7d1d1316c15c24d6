// Package api provides the wire types for the TurnFlow HTTP API.
//
// This package contains the request/response DTOs, the unified response
// envelope, and OpenAPI annotations for the TurnFlow HTTP API.
//
// # API Overview
//
// TurnFlow provides a RESTful API for:
//   - Submitting conversational turns (synchronous, SSE, WebSocket)
//   - Browsing conversation history
//   - Configuration management (hot reload)
//   - Health monitoring and metrics
//
// # Authentication
//
// Protected endpoints accept either the X-API-Key header or a JWT bearer
// token:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <token>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Streaming
//
// POST /api/v1/turns/stream emits Server-Sent Events in stream order:
// zero or more "source" events, zero or more "chunk" events, then exactly
// one "final" event. GET /api/v1/turns/ws carries the same typed events
// over WebSocket, one JSON object per message.
package api
