// Package notify turns activity feed inserts and upcoming meetings into
// user-facing notifications.
package notify

import (
	"time"

	"github.com/matheus3301/leadsync/internal/model"
)

// Kind tells activity notifications from meeting reminders.
type Kind string

const (
	KindActivity Kind = "activity"
	KindReminder Kind = "reminder"
)

// Notification is one alert delivered to the sinks.
type Notification struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	LeadID     string    `json:"lead_id,omitempty"`
	ActivityID string    `json:"activity_id,omitempty"`
	MeetingID  string    `json:"meeting_id,omitempty"`
	At         time.Time `json:"at"`
}

var activityTitles = map[string]string{
	model.ActivityStatusChange:       "Lead status updated",
	model.ActivityMeetingScheduled:   "Meeting scheduled",
	model.ActivityMeetingOutcome:     "Meeting outcome recorded",
	model.ActivityMeetingRescheduled: "Meeting rescheduled",
	model.ActivityLeadCreated:        "New lead",
	model.ActivityMerge:              "Leads merged",
	model.ActivityNote:               "Note added",
}

// TitleFor returns the notification title for an activity type.
func TitleFor(activityType string) string {
	if t, ok := activityTitles[activityType]; ok {
		return t
	}
	return "New activity"
}
