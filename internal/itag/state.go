package itag

import "fmt"

// State is the connection state of one device.
type State int

// Connection states. Idle is the initial state; there is no terminal state.
const (
	Idle State = iota
	AwaitingAdapter
	Connecting
	DiscoveringServices
	Connected
	Disconnected
)

var stateNames = [...]string{
	Idle:                "idle",
	AwaitingAdapter:     "awaiting-adapter",
	Connecting:          "connecting",
	DiscoveringServices: "discovering-services",
	Connected:           "connected",
	Disconnected:        "disconnected",
}

// String returns the wire name of the state, e.g. "awaiting-adapter".
func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Valid reports whether s is one of the six connection states.
func (s State) Valid() bool {
	return s >= Idle && s <= Disconnected
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("itag: invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state wire name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("itag: unknown state %q", name)
}

// Reason tags every connectivity transition.
type Reason string

// Transition reasons.
const (
	ReasonNormal          Reason = "normal"
	ReasonTimeout         Reason = "timeout"
	ReasonLinkLost        Reason = "link-lost"
	ReasonSubscribeFailed Reason = "subscribe-failed"
	ReasonAdapterRemoved  Reason = "adapter-removed"
)

// Input drives the state machine.
type Input int

// Machine inputs.
const (
	// InputStart moves a freshly created device out of Idle.
	InputStart Input = iota
	// InputAdapterClaimed reports an exclusive adapter claim.
	InputAdapterClaimed
	// InputLinkEstablished reports the transport connected.
	InputLinkEstablished
	// InputConnectTimeout reports connect_timeout elapsed.
	InputConnectTimeout
	// InputConnectFailed reports an explicit connect error.
	InputConnectFailed
	// InputSubscribed reports the button characteristic is subscribed.
	InputSubscribed
	// InputSubscribeFailed reports the button subscription failed.
	InputSubscribeFailed
	// InputDiscoveryTimeout reports discovery_timeout elapsed.
	InputDiscoveryTimeout
	// InputLinkLost reports the transport dropped the link.
	InputLinkLost
	// InputAdapterRemoved reports the claimed adapter was removed.
	InputAdapterRemoved
	// InputBackoffElapsed reports the retry delay has passed.
	InputBackoffElapsed
	// InputShutdown reports the daemon is stopping.
	InputShutdown
)

var inputNames = [...]string{
	InputStart:            "start",
	InputAdapterClaimed:   "adapter-claimed",
	InputLinkEstablished:  "link-established",
	InputConnectTimeout:   "connect-timeout",
	InputConnectFailed:    "connect-failed",
	InputSubscribed:       "subscribed",
	InputSubscribeFailed:  "subscribe-failed",
	InputDiscoveryTimeout: "discovery-timeout",
	InputLinkLost:         "link-lost",
	InputAdapterRemoved:   "adapter-removed",
	InputBackoffElapsed:   "backoff-elapsed",
	InputShutdown:         "shutdown",
}

// String returns the input name.
func (in Input) String() string {
	if in < 0 || int(in) >= len(inputNames) {
		return fmt.Sprintf("input(%d)", int(in))
	}
	return inputNames[in]
}

// linked reports whether a state holds an adapter claim and possibly a link.
func linked(s State) bool {
	return s == Connecting || s == DiscoveringServices || s == Connected
}

// Transition is the device state table. It returns the next state and the
// reason to record, or ok=false when the input does not apply to state.
//
// Every state that holds an adapter claim drops to Disconnected on link
// loss, adapter removal or shutdown.
func Transition(state State, in Input) (next State, reason Reason, ok bool) {
	switch {
	case in == InputLinkLost && linked(state):
		return Disconnected, ReasonLinkLost, true
	case in == InputAdapterRemoved && linked(state):
		return Disconnected, ReasonAdapterRemoved, true
	case in == InputShutdown && linked(state):
		return Disconnected, ReasonNormal, true
	}

	switch state {
	case Idle:
		if in == InputStart {
			return AwaitingAdapter, ReasonNormal, true
		}
	case AwaitingAdapter:
		if in == InputAdapterClaimed {
			return Connecting, ReasonNormal, true
		}
	case Connecting:
		switch in {
		case InputLinkEstablished:
			return DiscoveringServices, ReasonNormal, true
		case InputConnectTimeout:
			return Disconnected, ReasonTimeout, true
		case InputConnectFailed:
			return Disconnected, ReasonLinkLost, true
		}
	case DiscoveringServices:
		switch in {
		case InputSubscribed:
			return Connected, ReasonNormal, true
		case InputSubscribeFailed:
			return Disconnected, ReasonSubscribeFailed, true
		case InputDiscoveryTimeout:
			return Disconnected, ReasonTimeout, true
		}
	case Disconnected:
		if in == InputBackoffElapsed {
			return AwaitingAdapter, ReasonNormal, true
		}
	}
	return state, "", false
}
