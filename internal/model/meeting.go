package model

import (
	"fmt"
	"slices"
	"time"
)

// MeetingType is the kind of meeting with a lead.
type MeetingType string

const (
	MeetingSiteVisit     MeetingType = "site_visit"
	MeetingOfficeMeeting MeetingType = "office_meeting"
	MeetingVideoCall     MeetingType = "video_call"
	MeetingPhoneCall     MeetingType = "phone_call"
	MeetingOther         MeetingType = "other"
)

// MeetingStatus is a meeting's scheduling state.
type MeetingStatus string

const (
	MeetingScheduled   MeetingStatus = "scheduled"
	MeetingCompleted   MeetingStatus = "completed"
	MeetingCancelled   MeetingStatus = "cancelled"
	MeetingRescheduled MeetingStatus = "rescheduled"
)

// meetingTransitions defines allowed status transitions. A reschedule passes
// through rescheduled and lands back in scheduled.
var meetingTransitions = map[MeetingStatus][]MeetingStatus{
	MeetingScheduled:   {MeetingCompleted, MeetingCancelled, MeetingRescheduled},
	MeetingRescheduled: {MeetingScheduled},
	MeetingCompleted:   nil,
	MeetingCancelled:   nil,
}

// ValidMeetingStatus returns true if s is a known meeting status.
func ValidMeetingStatus(s string) bool {
	_, ok := meetingTransitions[MeetingStatus(s)]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s MeetingStatus) Terminal() bool {
	return s == MeetingCompleted || s == MeetingCancelled
}

// CheckMeetingTransition returns an error if from → to is not allowed.
func CheckMeetingTransition(from, to MeetingStatus) error {
	if !slices.Contains(meetingTransitions[from], to) {
		return fmt.Errorf("invalid meeting transition from %s to %s", from, to)
	}
	return nil
}

// Meeting is a scheduled interaction with a lead.
type Meeting struct {
	ID              string        `json:"id"`
	LeadID          string        `json:"lead_id"`
	AgentID         string        `json:"agent_id"`
	Title           string        `json:"title"`
	Description     string        `json:"description,omitempty"`
	Type            MeetingType   `json:"meeting_type"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	Location        string        `json:"location,omitempty"`
	Status          MeetingStatus `json:"status"`
	Notes           string        `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// MeetingID is the identity function for meetings.
func MeetingID(m Meeting) string { return m.ID }

// MeetingsBySchedule orders meetings by scheduled time ascending, then ID.
func MeetingsBySchedule(a, b Meeting) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

// EndsAt returns the scheduled end of the meeting.
func (m Meeting) EndsAt() time.Time {
	return m.ScheduledAt.Add(time.Duration(m.DurationMinutes) * time.Minute)
}
