// Package vpn provides the connection state model and backend abstraction
// for TunnelPilot.
package vpn

import "fmt"

// Kind identifies a connection state variant.
type Kind int

const (
	// KindDisabled means no tunnel is active and none is being established.
	KindDisabled Kind = iota
	KindScanningPorts
	KindCheckingAvailability
	KindWaitingForNetwork
	KindConnecting
	KindReconnecting
	KindError
	KindConnected
	KindDisconnecting
)

var kindNames = map[Kind]string{
	KindDisabled:             "DISABLED",
	KindScanningPorts:        "SCANNING_PORTS",
	KindCheckingAvailability: "CHECKING_AVAILABILITY",
	KindWaitingForNetwork:    "WAITING_FOR_NETWORK",
	KindConnecting:           "CONNECTING",
	KindReconnecting:         "RECONNECTING",
	KindError:                "ERROR",
	KindConnected:            "CONNECTED",
	KindDisconnecting:        "DISCONNECTING",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", int(k))
}

// KindNames returns the names of all state kinds in declaration order.
func KindNames() []string {
	out := make([]string, 0, len(kindNames))
	for k := KindDisabled; k <= KindDisconnecting; k++ {
		out = append(out, k.String())
	}
	return out
}

// ErrorKind classifies connection errors.
type ErrorKind int

const (
	ErrAuthFailedInternal ErrorKind = iota
	ErrAuthFailed
	ErrPeerAuthFailed
	ErrUnreachable
	ErrGeneric
	ErrMultiUserPermission
)

var errorKindNames = map[ErrorKind]string{
	ErrAuthFailedInternal:  "AUTH_FAILED_INTERNAL",
	ErrAuthFailed:          "AUTH_FAILED",
	ErrPeerAuthFailed:      "PEER_AUTH_FAILED",
	ErrUnreachable:         "UNREACHABLE",
	ErrGeneric:             "GENERIC_ERROR",
	ErrMultiUserPermission: "MULTI_USER_PERMISSION",
}

func (e ErrorKind) String() string {
	if name, ok := errorKindNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ERROR(%d)", int(e))
}

// State is one value of the closed connection state set. The zero value is
// Disabled. States are compared by value; two Error states are equal only
// when kind, detail and finality all match.
type State struct {
	Kind Kind

	// ErrorKind and Detail are meaningful only when Kind == KindError.
	ErrorKind ErrorKind
	Detail    string

	// Final marks an error that must not be retried automatically.
	Final bool
}

// Common non-error states.
var (
	Disabled             = State{Kind: KindDisabled}
	ScanningPorts        = State{Kind: KindScanningPorts}
	CheckingAvailability = State{Kind: KindCheckingAvailability}
	WaitingForNetwork    = State{Kind: KindWaitingForNetwork}
	Connecting           = State{Kind: KindConnecting}
	Reconnecting         = State{Kind: KindReconnecting}
	Connected            = State{Kind: KindConnected}
	Disconnecting        = State{Kind: KindDisconnecting}
)

// ErrorState builds an Error state.
func ErrorState(kind ErrorKind, detail string, final bool) State {
	return State{Kind: KindError, ErrorKind: kind, Detail: detail, Final: final}
}

// IsEstablishing reports whether the state represents an in-progress
// connection attempt. A non-final error still counts as establishing
// because the engine or failover logic may retry it.
func (s State) IsEstablishing() bool {
	switch s.Kind {
	case KindScanningPorts, KindCheckingAvailability, KindWaitingForNetwork,
		KindConnecting, KindReconnecting:
		return true
	case KindError:
		return !s.Final
	default:
		return false
	}
}

// IsError reports whether the state is an error variant.
func (s State) IsError() bool {
	return s.Kind == KindError
}

func (s State) String() string {
	if s.Kind == KindError {
		if s.Detail != "" {
			return fmt.Sprintf("ERROR(%s: %s)", s.ErrorKind, s.Detail)
		}
		return fmt.Sprintf("ERROR(%s)", s.ErrorKind)
	}
	return s.Kind.String()
}
