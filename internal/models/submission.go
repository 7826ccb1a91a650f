package models

import (
	"encoding/json"
	"time"
)

// SubmissionStatus is the lifecycle state of a Submission.
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "PENDING"
	SubmissionFinished SubmissionStatus = "FINISHED"
)

// SubmissionForm is what the client submits alongside an upload.
type SubmissionForm struct {
	AuthorName          string              `json:"author_name"`
	Categories          []string            `json:"categories"`
	CommunityCategories map[string][]string `json:"community_categories"`
	Communities         []string            `json:"communities"`
	HasNSFWContent      bool                `json:"has_nsfw_content"`
}

// Submission tracks one asynchronous publish request from upload completion to catalog insertion.
type Submission struct {
	ID               string
	OwnerID          int64
	UploadID         string
	Form             SubmissionForm
	Status           SubmissionStatus
	ScheduledAt      *time.Time
	FinishedAt       *time.Time
	PolledAt         time.Time
	CreatedVersionID *int64
	FormErrors       map[string][]string
	TaskError        string
	CreatedAt        time.Time
}

// FormJSON returns the form encoded for storage.
func (s *Submission) FormJSON() ([]byte, error) {
	return json.Marshal(s.Form)
}

// ScheduleExpired reports whether a new processing task may be enqueued at now.
func (s *Submission) ScheduleExpired(now time.Time, ttl time.Duration) bool {
	if s.ScheduledAt == nil {
		return true
	}
	return now.Sub(*s.ScheduledAt) > ttl
}
