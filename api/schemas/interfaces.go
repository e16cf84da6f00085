package schemas

import (
	"context"
)

// -- Store Interface --

// RecordStore is the only persistence the engine requires. It keeps session
// cookies per domain, free-form settings and the per-target attempt history
// used for deduplication.
type RecordStore interface {
	// GetCookies returns the persisted cookie bag for a domain. A nil slice and
	// a nil error mean no cookies are stored.
	GetCookies(ctx context.Context, domain string) ([]Cookie, error)
	SetCookies(ctx context.Context, domain string, cookies []Cookie) error
	// ClearCookies removes the cookies of one domain, or of every domain when
	// domain is empty.
	ClearCookies(ctx context.Context, domain string) error

	GetSetting(ctx context.Context, key, def string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// RecordAttempt replaces any earlier record for the same target.
	RecordAttempt(ctx context.Context, targetID string, status AttemptStatus) error
	HasSuccessfulAttempt(ctx context.Context, targetID string) (bool, error)
	// ListAttempts returns the history ordered by time, oldest first.
	ListAttempts(ctx context.Context) ([]AttemptResult, error)
	ClearAttempts(ctx context.Context) error
}

// -- Presentation Interface --

// Observer is notified by the engine; the engine never depends on how it
// renders. Implementations must be safe for use from the worker goroutine.
type Observer interface {
	OnLog(message string)
	OnStatsUpdate(stats RunStatistics)
	OnCaptchaPending(pending bool)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) OnLog(string)                {}
func (NopObserver) OnStatsUpdate(RunStatistics) {}
func (NopObserver) OnCaptchaPending(bool)       {}
