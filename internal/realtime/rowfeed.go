package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Row change types.
const (
	RowInsert = "INSERT"
	RowUpdate = "UPDATE"
	RowDelete = "DELETE"
)

// RowChange describes one write to a stored table.
type RowChange struct {
	Table string `json:"table"`
	Type  string `json:"type"`
	New   any    `json:"new,omitempty"`
	Old   any    `json:"old,omitempty"`
}

// RowFeed publishes row changes on the row_change event.
type RowFeed struct {
	transport Transport
}

func NewRowFeed(t Transport) *RowFeed {
	return &RowFeed{transport: t}
}

func (f *RowFeed) Publish(ctx context.Context, change RowChange) error {
	if f == nil || f.transport == nil {
		return nil
	}
	return f.transport.Publish(ctx, EventRowChange, change)
}

// Subscribe calls fn for changes to table only. Undecodable messages are
// dropped.
func (f *RowFeed) Subscribe(table string, fn func(RowChange)) (func(), error) {
	return f.transport.Subscribe(EventRowChange, func(m Message) {
		var change struct {
			Table string          `json:"table"`
			Type  string          `json:"type"`
			New   json.RawMessage `json:"new"`
			Old   json.RawMessage `json:"old"`
		}
		if err := json.Unmarshal(m.Payload, &change); err != nil {
			slog.Debug("row change dropped", "error", err)
			return
		}
		if change.Table != table {
			return
		}
		out := RowChange{Table: change.Table, Type: change.Type}
		if len(change.New) > 0 {
			out.New = change.New
		}
		if len(change.Old) > 0 {
			out.Old = change.Old
		}
		fn(out)
	})
}
