package model

import "time"

// Activity types written by the view models. The column is free-form, so
// other sessions may write types not listed here.
const (
	ActivityStatusChange       = "status_change"
	ActivityMeetingScheduled   = "meeting_scheduled"
	ActivityMeetingOutcome     = "meeting_outcome"
	ActivityMeetingRescheduled = "meeting_rescheduled"
	ActivityLeadCreated        = "lead_created"
	ActivityMerge              = "merge"
	ActivityNote               = "note"
)

// Values is a snapshot of the fields an activity changed.
type Values map[string]string

// Activity is an append-only audit entry on a lead.
type Activity struct {
	ID          string    `json:"id"`
	LeadID      string    `json:"lead_id"`
	AgentID     string    `json:"agent_id"`
	Type        string    `json:"activity_type"`
	Description string    `json:"description"`
	OldValue    Values    `json:"old_value,omitempty"`
	NewValue    Values    `json:"new_value,omitempty"`
	MeetingID   string    `json:"meeting_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActivityID is the identity function for activities.
func ActivityID(a Activity) string { return a.ID }

// ActivitiesNewestFirst orders activities by creation time descending, then ID.
func ActivitiesNewestFirst(a, b Activity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
