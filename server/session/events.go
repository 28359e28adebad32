package session

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventResumed     EventKind = "resumed"
	EventInterrupted EventKind = "interrupted"
	EventCompleted   EventKind = "completed"
	EventEvicted     EventKind = "evicted"
)

// Event reports a session transition to observers outside the registry.
type Event struct {
	Kind    EventKind
	Session Session
}
