// Package model defines the lead-management domain types shared by the store,
// the change feed and the view models.
package model

import (
	"strings"
	"time"
)

// Stage is a lead's position in the sales pipeline.
type Stage string

const (
	StageNew         Stage = "new"
	StageContacted   Stage = "contacted"
	StageQualified   Stage = "qualified"
	StageSiteVisit   Stage = "site_visit"
	StageNegotiation Stage = "negotiation"
	StageClosedWon   Stage = "closed_won"
	StageClosedLost  Stage = "closed_lost"
)

// stages is the fixed pipeline order.
var stages = []Stage{
	StageNew,
	StageContacted,
	StageQualified,
	StageSiteVisit,
	StageNegotiation,
	StageClosedWon,
	StageClosedLost,
}

var stageLabels = map[Stage]string{
	StageNew:         "New",
	StageContacted:   "Contacted",
	StageQualified:   "Qualified",
	StageSiteVisit:   "Site Visit",
	StageNegotiation: "Negotiation",
	StageClosedWon:   "Closed Won",
	StageClosedLost:  "Closed Lost",
}

// Stages returns the pipeline stages in order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

// ValidStage returns true if s is one of the pipeline stages.
func ValidStage(s string) bool {
	_, ok := stageLabels[Stage(s)]
	return ok
}

// Label returns the display label, or the raw value for unknown stages.
func (s Stage) Label() string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return string(s)
}

// Index returns the stage position in the pipeline, -1 if unknown.
func (s Stage) Index() int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Temperature is how likely a lead is to convert.
type Temperature string

const (
	TemperatureHot  Temperature = "hot"
	TemperatureWarm Temperature = "warm"
	TemperatureCold Temperature = "cold"
)

// Source is where a lead came from.
type Source string

const (
	SourceWebsite        Source = "website"
	SourceReferral       Source = "referral"
	SourceWalkIn         Source = "walk_in"
	SourceSocialMedia    Source = "social_media"
	SourcePropertyPortal Source = "property_portal"
	SourceColdCall       Source = "cold_call"
	SourceOther          Source = "other"
)

// PropertyType is a kind of property a lead is interested in.
type PropertyType string

const (
	PropertyApartment        PropertyType = "apartment"
	PropertyVilla            PropertyType = "villa"
	PropertyPlot             PropertyType = "plot"
	PropertyIndependentHouse PropertyType = "independent_house"
	PropertyCommercial       PropertyType = "commercial"
	PropertyOther            PropertyType = "other"
)

// Lead is a prospective customer moving through the pipeline.
type Lead struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Phone         string         `json:"phone"`
	Email         string         `json:"email,omitempty"`
	PropertyTypes []PropertyType `json:"property_types"`
	BudgetMin     int64          `json:"budget_min"`
	BudgetMax     int64          `json:"budget_max"`
	Location      string         `json:"location,omitempty"`
	Source        Source         `json:"source"`
	AgentID       string         `json:"agent_id"`
	Status        Stage          `json:"status"`
	Temperature   Temperature    `json:"temperature"`
	FollowUpAt    *time.Time     `json:"follow_up_at,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LeadID is the identity function for leads.
func LeadID(l Lead) string { return l.ID }

// NormalizePhone keeps only the ASCII digits of phone, so the result's
// length is its digit count. Digits of other scripts are dropped.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for i := 0; i < len(phone); i++ {
		if c := phone[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// LeadsNewestFirst orders leads by creation time descending, then ID.
func LeadsNewestFirst(a, b Lead) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// PhoneKey is the duplicate-detection key of a phone number: its digits,
// without a country prefix when more than ten digits are present.
func PhoneKey(phone string) string {
	d := NormalizePhone(phone)
	if len(d) > 10 {
		d = d[len(d)-10:]
	}
	return d
}
