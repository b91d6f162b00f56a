// Package server is the network edge of roomchat: configuration, the
// WebSocket hub and clients that feed frames into the presence Manager, HTTP
// handlers for health, readiness, presence and metrics, and the HTTP server
// lifecycle.
package server
