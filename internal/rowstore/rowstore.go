// Package rowstore is the row CRUD + change feed collaborator the tabletop
// synchronizers are written against. Rows are JSON documents keyed by
// (table, id); every write is one atomic row write stamped with a store-wide
// monotonically increasing version.
package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vttsync/internal/apperr"
)

// Row is one stored document.
type Row struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the row payload into v.
func (r Row) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("decode %s/%s: empty payload", r.Table, r.ID)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", r.Table, r.ID, err)
	}
	return nil
}

// Fields is a partial update: top-level keys replace the stored ones.
type Fields map[string]any

// EventType is the kind of mutation carried by an Event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"

	// EventSubscribed is sent once by network feeds after the subscription
	// is registered, before any row event. It carries no row.
	EventSubscribed EventType = "subscribed"
)

// Event is one change feed message.
type Event struct {
	Type EventType `json:"type"`
	Row  Row       `json:"row"`
}

var (
	ErrNotFound = apperr.NotFound("row not found")
	ErrConflict = apperr.New(apperr.KindConflict, "row already exists")
	ErrClosed   = apperr.Transient("store closed", nil)
)

// Reader fetches rows.
type Reader interface {
	Get(ctx context.Context, table, id string) (Row, error)
	List(ctx context.Context, table string, filter Filter) ([]Row, error)
}

// Writer mutates rows. Every call is one atomic row write.
type Writer interface {
	Insert(ctx context.Context, table, id string, data json.RawMessage) (Row, error)
	Put(ctx context.Context, table, id string, data json.RawMessage) (Row, error)
	Patch(ctx context.Context, table, id string, fields Fields) (Row, error)
	Delete(ctx context.Context, table, id string) (Row, error)
}

// Subscription is a live stream of events for one table and filter. Events
// closes when the subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Subscriber opens change feed subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, table string, filter Filter) (Subscription, error)
}

// Backend is everything a client needs from the row store.
type Backend interface {
	Reader
	Writer
	Subscriber
}

// Store is a persistence driver. Drivers report the event type of a Put so
// the hub can publish insert vs update.
type Store interface {
	Get(ctx context.Context, table, id string) (Row, error)
	List(ctx context.Context, table string) ([]Row, error)
	Insert(ctx context.Context, table, id string, data json.RawMessage) (Row, error)
	Put(ctx context.Context, table, id string, data json.RawMessage) (Row, EventType, error)
	Patch(ctx context.Context, table, id string, fields Fields) (Row, error)
	Delete(ctx context.Context, table, id string) (Row, error)
	Close() error
}

// ValidateKey rejects empty or oversized table names and ids.
func ValidateKey(table, id string) error {
	if strings.TrimSpace(table) == "" {
		return apperr.Validation("table is required")
	}
	if len(table) > 64 {
		return apperr.Validation("table name too long")
	}
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("id is required")
	}
	if len(id) > 128 {
		return apperr.Validation("id too long")
	}
	return nil
}

// ValidateDocument ensures data is a JSON object.
func ValidateDocument(data json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return apperr.Validation("row data must be a JSON object")
	}
	return nil
}

// Merge applies fields on top of the stored document.
func Merge(data json.RawMessage, fields Fields) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("merge: decode stored row: %w", err)
		}
	}
	for k, v := range fields {
		doc[k] = v
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("merge: encode row: %w", err)
	}
	return out, nil
}
