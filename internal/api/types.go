package api

import (
	"net/http"
	"time"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// envelope is the uniform response body. Success carries data; failure
// carries the fault kind so clients can branch without parsing messages.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusForKind maps fault kinds onto HTTP statuses. Anything unlisted is a
// server-side failure.
func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidConfig, types.KindInvalidTickRange:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindInstanceBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// FrameSnapshot is the type of the state frame pushed right after a
// WebSocket client connects; every other frame type is a bus topic name.
const FrameSnapshot = "snapshot"

// Frame is one WebSocket message. Type is the bus topic the frame mirrors
// ("strategy:update", "strategy:progress", ...) or "snapshot".
type Frame struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instanceId,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// SnapshotData is the payload of the on-connect snapshot frame.
type SnapshotData struct {
	Instances []*types.InstanceRecord `json:"instances"`
}

// HealthStatus is the healthz payload. Block is the chain head seen by the
// readiness probe.
type HealthStatus struct {
	Status string `json:"status"`
	Block  uint64 `json:"block,omitempty"`
}
