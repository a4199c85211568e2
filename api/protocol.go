package api

const taskBodyMaxSize = 64 * 1024 // 64 KiB

// HeaderIdempotencyKey lets clients retry a create without duplicating it.
const HeaderIdempotencyKey = "Idempotency-Key"

// realtime channel framing
const (
	tokenQueryParam = "token"
	sseEventPrefix  = "event: "
	sseDataPrefix   = "data: "
	sseHeartbeat    = ": ping\n\n"
)

// GET /api/users/online response body
type onlineUsersResponse struct {
	Users []string `json:"users"`
}
