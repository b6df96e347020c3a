// Package job defines the render job record, its status machine and the
// error taxonomy shared by admission, the store and the worker pipeline.
package job

import (
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the durable record of one render request.
type Job struct {
	ID          string `json:"id"`
	Type        Type   `json:"type"`
	OwnerID     string `json:"ownerId"`
	Status      Status `json:"status"`
	Priority    int    `json:"priority"`
	Progress    int    `json:"progress"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`

	// StageCursor names the last completed stage; StageIndex is the number
	// of completed stages (the index of the next stage to run).
	StageCursor string            `json:"stageCursor,omitempty"`
	StageIndex  int               `json:"stageIndex"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`

	Settings Settings `json:"settings"`
	Result   string   `json:"result,omitempty"`
	Error    *Failure `json:"error,omitempty"`

	CancelRequested bool   `json:"cancelRequested"`
	ClaimToken      string `json:"claimToken,omitempty"`
	RetryOf         string `json:"retryOf,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	AvailableAt time.Time `json:"availableAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	HeartbeatAt time.Time `json:"heartbeatAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Failure is the structured error record stored on a FAILED job.
type Failure struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Stage    string   `json:"stage,omitempty"`
}

// New builds a QUEUED job ready to be persisted.
func New(ownerID string, priority, maxAttempts int, settings Settings, now time.Time) *Job {
	return &Job{
		ID:          NewID(now),
		Type:        settings.Type,
		OwnerID:     ownerID,
		Status:      StatusQueued,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
}

// NewID returns a fresh opaque job identifier.
func NewID(now time.Time) string {
	return fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix())
}

// Clone returns a deep copy so callers can mutate freely.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Artifacts != nil {
		c.Artifacts = make(map[string]string, len(j.Artifacts))
		for k, v := range j.Artifacts {
			c.Artifacts[k] = v
		}
	}
	if j.Error != nil {
		f := *j.Error
		c.Error = &f
	}
	return &c
}

// Eligible reports whether the dispatcher may claim the job at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusQueued && !j.CancelRequested && !j.AvailableAt.After(now)
}

// Snapshot is the client-facing view of a job.
type Snapshot struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Attempts    int        `json:"attempts"`
	Error       *Failure   `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:        j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Attempts:  j.Attempts,
		Result:    j.Result,
		CreatedAt: j.CreatedAt,
	}
	if j.Error != nil {
		f := *j.Error
		s.Error = &f
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		s.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// Equal compares two snapshots field by field.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.ID != o.ID || s.Status != o.Status || s.Progress != o.Progress ||
		s.Attempts != o.Attempts || s.Result != o.Result || !s.CreatedAt.Equal(o.CreatedAt) {
		return false
	}
	if (s.Error == nil) != (o.Error == nil) || (s.Error != nil && *s.Error != *o.Error) {
		return false
	}
	return timePtrEqual(s.StartedAt, o.StartedAt) && timePtrEqual(s.CompletedAt, o.CompletedAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
