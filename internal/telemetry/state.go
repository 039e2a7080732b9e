package telemetry

// ConnectivityState is the 3-bit connection state a tag advertises.
type ConnectivityState int

const (
	StateUnknown ConnectivityState = iota
	StatePrematureOffline
	StateOffline
	StateOvermatureOffline
	StatePairedOwnerConnected
	StateNonOwnerConnected
	StateTwoDevicesConnected
)

var stateNames = map[ConnectivityState]string{
	StateUnknown:              "UNKNOWN",
	StatePrematureOffline:     "PREMATURE_OFFLINE",
	StateOffline:              "OFFLINE",
	StateOvermatureOffline:    "OVERMATURE_OFFLINE",
	StatePairedOwnerConnected: "PAIRED_OWNER_CONNECTED",
	StateNonOwnerConnected:    "NON_OWNER_CONNECTED",
	StateTwoDevicesConnected:  "TWO_DEVICES_CONNECTED",
}

// StateFromCode maps a raw state code; values outside 1..6 are StateUnknown.
func StateFromCode(code int) ConnectivityState {
	s := ConnectivityState(code)
	if s < StatePrematureOffline || s > StateTwoDevicesConnected {
		return StateUnknown
	}
	return s
}

func (s ConnectivityState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return stateNames[StateUnknown]
}

// MarshalText renders the state name in JSON.
func (s ConnectivityState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ShouldPreventStale reports whether a sighting in this state keeps the tag's
// last known location fresh.
func (s ConnectivityState) ShouldPreventStale() bool {
	return s == StateOffline || s == StateOvermatureOffline
}

// EligibleForNetworkReport reports whether a non-owner should relay this tag
// to the reporting network.
func (s ConnectivityState) EligibleForNetworkReport() bool {
	return s > StatePrematureOffline && s < StatePairedOwnerConnected
}
