package domain

import "time"

// Attempt outcomes as recorded in the ledger.
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeFellBack  = "fell_back"
	OutcomeCanceled  = "canceled"
)

// Attempt records one transport attempt made on behalf of a submission. All
// attempts serving the same submission share Key, so the ledger answers
// "which transports ran for this key and how did they end".
type Attempt struct {
	ID         string     `json:"id"          gorm:"type:char(36);primaryKey"`
	Key        string     `json:"key"         gorm:"type:varchar(200);not null;index:idx_attempt_key,priority:1"`
	SessionID  string     `json:"session_id"  gorm:"type:varchar(64);not null;index:idx_attempt_session"`
	Seq        int        `json:"seq"         gorm:"not null;index:idx_attempt_key,priority:2"`
	Mode       Mode       `json:"mode"        gorm:"type:varchar(16);not null;check:mode IN ('sync','stream','async')"`
	Outcome    string     `json:"outcome"     gorm:"type:varchar(16);not null"`
	Chunks     int        `json:"chunks"      gorm:"not null;default:0"`
	Error      string     `json:"error,omitempty" gorm:"type:text"`
	MessageID  int64      `json:"message_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"  gorm:"not null"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (Attempt) TableName() string { return "attempts" }
