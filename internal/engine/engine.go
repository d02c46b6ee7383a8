// Package engine defines the boundary with the external tunnel engine:
// the opaque component that establishes the virtual network interface and
// moves packets. TunnelPilot only starts and stops an engine and observes
// its status stream; everything below that line is engine-owned.
package engine

import (
	"context"

	"github.com/google/uuid"
)

// Level is the coarse connection level reported by a tunnel engine.
type Level int

const (
	// LevelNone means the engine reported no level at all.
	LevelNone Level = iota
	LevelConnected
	LevelConnectingServerReplied
	LevelConnectingNoReply
	LevelStart
	LevelWaitingForUserInput
	LevelNoNetwork
	LevelNotConnected
	LevelPaused
	LevelAuthFailed
	LevelMultiUserPermission
	LevelUnknown
)

var levelNames = map[Level]string{
	LevelNone:                    "NONE",
	LevelConnected:               "CONNECTED",
	LevelConnectingServerReplied: "CONNECTING_SERVER_REPLIED",
	LevelConnectingNoReply:       "CONNECTING_NO_REPLY",
	LevelStart:                   "START",
	LevelWaitingForUserInput:     "WAITING_FOR_USER_INPUT",
	LevelNoNetwork:               "NO_NETWORK",
	LevelNotConnected:            "NOT_CONNECTED",
	LevelPaused:                  "PAUSED",
	LevelAuthFailed:              "AUTH_FAILED",
	LevelMultiUserPermission:     "MULTI_USER_PERMISSION",
	LevelUnknown:                 "UNKNOWN",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Well-known state tags. Engines may report others; unknown tags fall
// through to the level mapping.
const (
	TagRetry          = "RETRY"
	TagReconnecting   = "RECONNECTING"
	TagProcessStopped = "PROCESS_STOPPED"
)

// StatusEvent is one status report from a tunnel engine.
type StatusEvent struct {
	Level Level

	// Tag is the engine's free-text state tag, e.g. "RECONNECTING".
	Tag string

	// Log is an optional log line accompanying the event.
	Log string
}

// Counters is a point-in-time snapshot of the engine's cumulative traffic
// counters since the tunnel was started.
type Counters struct {
	UploadBytes   uint64
	DownloadBytes uint64
}

// StartRequest carries everything an engine needs to bring a tunnel up.
// Either Profile or ConfigBlob is set: Profile is a pre-built low-level
// tunnel profile, ConfigBlob a raw per-server configuration parsed by the
// engine itself.
type StartRequest struct {
	Address       string
	Port          int
	Transport     string
	Profile       *Profile
	ConfigBlob    string
	CorrelationID uuid.UUID
}

// Profile is a minimal pre-built tunnel profile.
type Profile struct {
	Username string
	Password string
	CAPEM    string
	CertPEM  string
	KeyPEM   string
}

// Engine drives one tunnel technology. Implementations must be safe for
// concurrent use; Start and Stop are serialized by the owning backend.
type Engine interface {
	// Start brings the tunnel up. Status is reported asynchronously on
	// Events; Start returning nil only means the engine accepted the
	// request.
	Start(ctx context.Context, req StartRequest) error

	// Stop tears the tunnel down. The engine eventually reports a
	// terminal not-connected status on Events, but callers must assume
	// it may never arrive.
	Stop(ctx context.Context) error

	// Events returns the engine's status stream. The channel is shared
	// across the engine's lifetime and never closed by Start/Stop cycles.
	Events() <-chan StatusEvent

	// Counters returns cumulative traffic counters for the running
	// tunnel. Engines return zero counters when no tunnel is up.
	Counters() Counters

	// ActiveCorrelationID returns the correlation id of the attempt the
	// engine believes is active, or uuid.Nil when idle. Used to re-attach
	// to a session across process restarts.
	ActiveCorrelationID() uuid.UUID
}
