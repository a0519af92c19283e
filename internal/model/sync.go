package model

import "time"

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncCursor is the provider-issued sync token for one user/calendar pair.
type SyncCursor struct {
	UserID     int64     `json:"user_id"`
	CalendarID string    `json:"calendar_id"`
	Token      string    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Credential is a user's OAuth grant. AccessToken may be stale.
type Credential struct {
	UserID       int64     `json:"user_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WatchSubscription binds a user's calendar to a provider push channel.
type WatchSubscription struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	CalendarID         string     `json:"calendar_id"`
	ChannelID          string     `json:"channel_id"`
	ResourceID         string     `json:"resource_id"`
	ChannelToken       string     `json:"-"`
	ExpiresAt          *time.Time `json:"expires_at"`
	Disabled           bool       `json:"disabled"`
	CredentialFailures int        `json:"credential_failures"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Sync run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Sync run triggers.
const (
	TriggerWebhook  = "webhook"
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// SyncRun is the persisted outcome of one reconciliation walk.
type SyncRun struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	CalendarID string     `json:"calendar_id"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	Inserted   int        `json:"inserted_count"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}
