// Package gateway serves the relay's local HTTP API.
//
// Routes:
//
//	GET    /healthz                aggregated health, 503 when unhealthy
//	POST   /v1/sessions            begin a session, {"session_id": "..."}
//	DELETE /v1/sessions/current    reset the active session
//	POST   /v1/fragments           raw payload body, see below
//	GET    /v1/throughput          {"mbps": n}, resets the measurement window
//	GET    /v1/endpoint            current upload endpoint, password masked
//	PUT    /v1/endpoint            {"url": "...", "username": "...", "password": "..."}
//	GET    /v1/stats               pipeline snapshot
//
// POST /v1/fragments reads the fragment kind from X-Fragment-Kind
// (initialization, media or finalization) and its duration in seconds from
// X-Fragment-Duration. When X-Fragment-Timestamp is present the fragment
// takes the reconciled path and X-Fragment-Origin marks the session origin.
// A fragment held for the origin is answered with 202 Accepted.
package gateway
