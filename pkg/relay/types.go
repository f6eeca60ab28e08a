package relay

import (
	"context"
	"time"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/output"
)

// Event represents a change data capture event read from an external system
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Operation  string                 `json:"operation"` // insert, update, replace, delete
	Source     string                 `json:"source"`
	Database   string                 `json:"database"`
	Collection string                 `json:"collection"`
	Data       map[string]interface{} `json:"data"`
	Before     map[string]interface{} `json:"before,omitempty"` // for updates and deletes
}

// Changes converts the event into table changes. An update with a known
// before-image becomes a delete followed by an insert.
func (e Event) Changes() []format.Change {
	switch e.Operation {
	case "insert":
		return []format.Change{format.Insert(e.Data)}
	case "update", "replace":
		if e.Before != nil {
			return []format.Change{format.Delete(e.Before), format.Insert(e.Data)}
		}
		return []format.Change{format.Insert(e.Data)}
	case "delete":
		if e.Before != nil {
			return []format.Change{format.Delete(e.Before)}
		}
		if e.Data != nil {
			return []format.Change{format.Delete(e.Data)}
		}
	}
	return nil
}

// Source defines the interface for external systems feeding a table
type Source interface {
	// Connect establishes connection to the source
	Connect(ctx context.Context) error
	// Read returns a channel that emits change events
	Read(ctx context.Context) (<-chan Event, <-chan error)
	// Close closes the source connection
	Close() error
}

// Sink defines the interface for external systems draining a view
type Sink interface {
	// Connect establishes connection to the sink
	Connect(ctx context.Context) error
	// Write applies change batches to the sink
	Write(ctx context.Context, batches <-chan output.Batch) <-chan error
	// Close closes the sink connection
	Close() error
}

// Transformer defines the interface for mapping source events onto table rows
type Transformer interface {
	// Transform transforms an event
	Transform(event Event) (Event, error)
}
