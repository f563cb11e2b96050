package collection

// EventType names the kind of delta an Event describes.
type EventType string

const (
	EventAdded   EventType = "added"
	EventChanged EventType = "changed"
	EventRemoved EventType = "removed"
)

// Event describes one delta applied to a collection. The same Event value is
// delivered to every observer, so treat Fields and Cleared as read-only.
type Event struct {
	Type       EventType
	Collection string
	ID         string
	// Fields holds the added document for EventAdded and the merged fields for EventChanged.
	Fields map[string]any
	// Cleared lists the keys removed by an EventChanged.
	Cleared []string
}
