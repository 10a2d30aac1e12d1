package models

import (
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of a sync session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// SessionKind distinguishes full from incremental runs.
type SessionKind string

const (
	SessionFull        SessionKind = "full"
	SessionIncremental SessionKind = "incremental"
)

// ErrSessionFinalized is returned when a finalized session is finalized again.
var ErrSessionFinalized = errors.New("session already finalized")

// SyncSession records one sync execution window.
type SyncSession struct {
	ID                string        `json:"id"`
	DeviceID          string        `json:"deviceId"`
	UserID            string        `json:"userId"`
	Kind              SessionKind   `json:"kind"`
	StartTime         time.Time     `json:"startTime"`
	EndTime           *time.Time    `json:"endTime,omitempty"`
	Status            SessionStatus `json:"status"`
	EntitiesSynced    int           `json:"entitiesSynced"`
	ConflictsResolved int           `json:"conflictsResolved"`
	BytesTransferred  int64         `json:"bytesTransferred"`
	Error             string        `json:"error,omitempty"`
}

// TableName returns the table name for SyncSession.
func (SyncSession) TableName() string {
	return "sync_sessions"
}

// IsFinal reports whether the session has been finalized.
func (s *SyncSession) IsFinal() bool {
	return s.Status != SessionActive
}

// Complete finalizes the session successfully.
func (s *SyncSession) Complete(now time.Time) error {
	return s.finalize(now, SessionCompleted, nil)
}

// Fail finalizes the session with the triggering error.
func (s *SyncSession) Fail(now time.Time, cause error) error {
	return s.finalize(now, SessionFailed, cause)
}

// Interrupt finalizes the session as interrupted, e.g. on shutdown.
func (s *SyncSession) Interrupt(now time.Time, cause error) error {
	return s.finalize(now, SessionInterrupted, cause)
}

func (s *SyncSession) finalize(now time.Time, status SessionStatus, cause error) error {
	if s.IsFinal() {
		return ErrSessionFinalized
	}
	end := now.UTC()
	s.EndTime = &end
	s.Status = status
	if cause != nil {
		s.Error = cause.Error()
	}
	return nil
}

// Duration returns the elapsed time of a finalized session, or zero.
func (s *SyncSession) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
