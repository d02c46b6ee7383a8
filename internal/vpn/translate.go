package vpn

import (
	"strings"

	"github.com/mkoehler42/tunnelpilot/internal/engine"
)

// tlsErrorMarker prefixes log lines the engine emits on TLS handshake
// failures against the peer.
const tlsErrorMarker = "tls-error"

// Translate maps one engine status event onto the successor connection
// state. It is a pure function of the event and the current state. The
// returned bool is false when the event must be discarded without a
// transition.
//
// Rules, evaluated in order:
//
//  1. Tag RETRY with a connecting-no-reply level means the engine is
//     waiting for the network to come back.
//  2. Tag RECONNECTING is a peer auth failure when the log line carries a
//     TLS error marker, otherwise a plain reconnect.
//  3. Tag PROCESS_STOPPED maps to Disabled. The cause of an engine process
//     exit is ambiguous, so it is treated as a hard stop rather than a
//     user-facing error.
//  4. A late connecting-no-reply straggler is discarded while the current
//     state already reports a peer auth failure, so it cannot mask the
//     just-reported fatal error.
//  5. Otherwise the level maps directly.
func Translate(ev engine.StatusEvent, current State) (State, bool) {
	switch {
	case ev.Tag == engine.TagRetry && ev.Level == engine.LevelConnectingNoReply:
		return WaitingForNetwork, true

	case ev.Tag == engine.TagReconnecting:
		if strings.HasPrefix(ev.Log, tlsErrorMarker) {
			return ErrorState(ErrPeerAuthFailed, ev.Log, false), true
		}
		return Reconnecting, true

	case ev.Tag == engine.TagProcessStopped:
		return Disabled, true
	}

	if ev.Level == engine.LevelConnectingNoReply &&
		current.Kind == KindError && current.ErrorKind == ErrPeerAuthFailed {
		return current, false
	}

	switch ev.Level {
	case engine.LevelConnected:
		return Connected, true
	case engine.LevelConnectingServerReplied, engine.LevelConnectingNoReply,
		engine.LevelStart, engine.LevelWaitingForUserInput:
		return Connecting, true
	case engine.LevelNoNetwork:
		return WaitingForNetwork, true
	case engine.LevelNotConnected, engine.LevelPaused:
		return Disabled, true
	case engine.LevelAuthFailed:
		return ErrorState(ErrAuthFailedInternal, ev.Log, false), true
	case engine.LevelUnknown:
		return ErrorState(ErrGeneric, ev.Log, true), true
	case engine.LevelMultiUserPermission:
		return ErrorState(ErrMultiUserPermission, ev.Log, true), true
	default:
		return Disabled, true
	}
}
