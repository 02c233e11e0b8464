// Package feed defines the row-level change feed: the events a backend emits
// after it commits a write, the per-table subscription predicate, and the
// transports that carry them.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind is the type of row change.
type Kind string

const (
	Insert Kind = "INSERT"
	Update Kind = "UPDATE"
	Delete Kind = "DELETE"
)

// Tables carried on the feed.
const (
	TableLeads         = "leads"
	TableMeetings      = "meetings"
	TableActivities    = "activities"
	TableSubscriptions = "subscriptions"
)

// Change is one committed row change. New is set for inserts and updates,
// Old for updates and deletes.
type Change struct {
	Table       string          `json:"table"`
	Kind        Kind            `json:"kind"`
	New         json.RawMessage `json:"new,omitempty"`
	Old         json.RawMessage `json:"old,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Row returns the row the change is about: New, or Old for deletes.
func (c Change) Row() json.RawMessage {
	if c.Kind == Delete || len(c.New) == 0 {
		return c.Old
	}
	return c.New
}

// IdentityToken in a filter value is replaced with the subscribing identity
// when a channel is opened.
const IdentityToken = "{identity}"

// Filter is an equality predicate on one row column.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter parses "column=eq.value".
func ParseFilter(s string) (*Filter, error) {
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return nil, fmt.Errorf("invalid filter %q: want column=eq.value", s)
	}
	val, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return nil, fmt.Errorf("invalid filter %q: only eq is supported", s)
	}
	return &Filter{Column: col, Value: val}, nil
}

func (f Filter) String() string {
	return f.Column + "=eq." + f.Value
}

// Match reports whether row has Column equal to Value.
func (f Filter) Match(row json.RawMessage) bool {
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	v, ok := fields[f.Column]
	if !ok || v == nil {
		return false
	}
	switch tv := v.(type) {
	case string:
		return tv == f.Value
	default:
		return fmt.Sprint(tv) == f.Value
	}
}

// Subscription selects the changes a channel receives.
type Subscription struct {
	Table  string  `json:"table"`
	Events []Kind  `json:"events,omitempty"` // empty means all kinds
	Filter *Filter `json:"-"`
}

// Key uniquely identifies the subscription for channel sharing.
func (s Subscription) Key() string {
	events := "*"
	if len(s.Events) > 0 {
		kinds := make([]string, len(s.Events))
		for i, k := range s.Events {
			kinds[i] = string(k)
		}
		slices.Sort(kinds)
		events = strings.Join(kinds, ",")
	}
	filter := ""
	if s.Filter != nil {
		filter = s.Filter.String()
	}
	return s.Table + "|" + events + "|" + filter
}

// Resolve returns a copy with IdentityToken in the filter replaced.
func (s Subscription) Resolve(identity string) Subscription {
	if s.Filter == nil || !strings.Contains(s.Filter.Value, IdentityToken) {
		return s
	}
	f := *s.Filter
	f.Value = strings.ReplaceAll(f.Value, IdentityToken, identity)
	s.Filter = &f
	return s
}

// Matches reports whether c should be delivered on this subscription.
func (s Subscription) Matches(c Change) bool {
	if c.Table != s.Table {
		return false
	}
	if len(s.Events) > 0 && !slices.Contains(s.Events, c.Kind) {
		return false
	}
	if s.Filter != nil && !s.Filter.Match(c.Row()) {
		return false
	}
	return true
}

// Transport opens backend channels. The returned channel is closed once ctx
// is cancelled or the transport gives up.
type Transport interface {
	Subscribe(ctx context.Context, identity string, sub Subscription) (<-chan Change, error)
}

// Publisher receives committed changes from the backend.
type Publisher interface {
	Publish(c Change)
}

// NewChange builds a change, marshalling the given rows.
func NewChange(table string, kind Kind, newRow, oldRow any) (Change, error) {
	c := Change{Table: table, Kind: kind, CommittedAt: time.Now().UTC()}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal new row: %w", err)
		}
		c.New = b
	}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal old row: %w", err)
		}
		c.Old = b
	}
	return c, nil
}
