package lifecycle

// ConnectionStatus is the state of the session's replication connection.
//
//	Idle -> Connecting -> Connected -> Disconnected | Error
//	Disconnected | Error -> Connecting   (retry)
//	any -> Idle                          (CleanupAll only)
type ConnectionStatus uint8

const (
	StatusIdle ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var transitions = map[ConnectionStatus][]ConnectionStatus{
	StatusIdle:         {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusError, StatusDisconnected},
	StatusConnected:    {StatusDisconnected, StatusError},
	StatusDisconnected: {StatusConnecting},
	StatusError:        {StatusConnecting},
}

func canTransition(from, to ConnectionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventKind names the notifications a Manager broadcasts.
type EventKind string

const (
	EventProviderStatusChanged EventKind = "provider-status-changed"
	EventEditorChanged         EventKind = "editor-changed"
	EventDocumentChanged       EventKind = "ydoc-changed"
	EventLifecycleStateChanged EventKind = "lifecycle-state-changed"
)

// Event is one broadcast notification. Status is set for provider events,
// Has for editor and document events, Flags for lifecycle events.
type Event struct {
	Kind   EventKind
	Status ConnectionStatus
	Has    bool
	Flags  Flags
	Source string
}

// Flags are the lifecycle guards. CreatingConnection and
// CleaningUpConnection never both describe the same connection.
type Flags struct {
	CreatingConnection   bool
	CleaningUpConnection bool
	CleaningUpDocument   bool
	CleaningUpAll        bool
	CreatingHandlers     bool
	UpgradingDocument    bool
}
