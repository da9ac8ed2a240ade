// Package domain defines the core value types shared across tsfetch:
// entities that are fetched repeatedly and the per-date units of work.
package domain

// DateLayout is the canonical on-disk date format for calendars, checkpoints
// and output rows.
const DateLayout = "2006-01-02"

// Entity is an identifiable target of repeated per-date fetches, such as a
// broker branch or a ticker symbol. Entities are immutable during a run.
type Entity struct {
	ID      string // stable id (Branch_Code, ticker)
	Name    string // display name
	GroupID string // optional secondary id (broker HQ); may be empty
}

// Unit is one (entity, date) fetch obligation.
type Unit struct {
	Entity Entity
	Date   string // YYYY-MM-DD
}

// String returns "<entity>@<date>" for log lines.
func (u Unit) String() string {
	return u.Entity.ID + "@" + u.Date
}
