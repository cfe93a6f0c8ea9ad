// Package coach hosts the moderated coaching session: the lock state machine,
// the usage ledger, the incident log and the turn controller.
package coach

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Curriculum phases of the ThynkLab design cycle.
const (
	StageMake  = "MAKE_IT"
	StageThynk = "THYNK_IT"
	StageTweak = "TWEAK_IT"
	StageTest  = "TEST_IT"
)

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	Stage     string    `gorm:"type:varchar(16);not null" json:"stage"`
	Room      string    `gorm:"type:varchar(64);not null" json:"room"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	LockState LockState `gorm:"type:varchar(16);not null" json:"lock_state"`

	// Spend is the usage ledger: cumulative estimated cost in USD,
	// monotonically non-decreasing for the life of the session.
	Spend float64 `gorm:"not null;default:0" json:"spend"`

	// ActiveIncidentID references the incident that put the session into
	// LockSafety; cleared by a successful override.
	ActiveIncidentID *string `gorm:"type:varchar(36)" json:"active_incident_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "coach_sessions" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);index;not null" json:"session_id"`
	Role      string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "coach_messages" }

// Incident is one recorded safeguarding breach. Never mutated after creation;
// removed only by explicit dismissal.
type Incident struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string    `gorm:"size:26;index;not null" json:"session_id"`
	Room       string    `gorm:"size:64;index;not null" json:"room"`
	Stage      string    `gorm:"size:16;not null" json:"stage"`
	Message    string    `gorm:"type:text;not null" json:"message"`
	Reason     string    `gorm:"type:text;not null" json:"reason"`
	SchoolName string    `gorm:"size:128;not null" json:"school_name"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (Incident) TableName() string { return "coach_incidents" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one queued asynchronous coaching turn.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	SessionID string `gorm:"size:26;index;not null" json:"session_id"`
	Prompt    string `gorm:"type:text;not null" json:"prompt"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_coach_job_idempo,unique" json:"idempotency_key,omitempty"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded. Zero when the turn ended in a safety lock or
	// a busy fallback without a normal assistant reply id.
	ResultMessageID *uint64 `gorm:"index" json:"result_message_id,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "coach_jobs" }

// NewSessionID mints a ULID session identifier.
func NewSessionID() string {
	return ulid.Make().String()
}
