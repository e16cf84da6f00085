package schemas

import (
	"errors"
	"fmt"
	"time"
)

// -- Common Schemas --

// Credential holds the identifier and secret used for a manual login.
type Credential struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"-"`
}

// Valid reports whether both halves of the credential are present.
func (c Credential) Valid() bool {
	return c.Identifier != "" && c.Secret != ""
}

// KeyModifier represents keyboard modifiers (Ctrl, Alt, Shift, Meta).
// These values correspond directly to the CDP input.DispatchKeyEvent modifiers bitfield.
type KeyModifier int

const (
	ModNone  KeyModifier = 0
	ModAlt   KeyModifier = 1 // Corresponds to CDP modifier 1
	ModCtrl  KeyModifier = 2 // Corresponds to CDP modifier 2
	ModMeta  KeyModifier = 4 // Corresponds to CDP modifier 4
	ModShift KeyModifier = 8 // Corresponds to CDP modifier 8
)

// Named keys understood by the driver's PressKey.
const (
	KeyEnter  = "Enter"
	KeyEscape = "Escape"
	KeyTab    = "Tab"
)

// -- Session Schemas --

// Cookie is a single entry of a session's cookie bag. Expires is seconds since
// the epoch; zero means a session cookie with no persisted expiry.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Session is the authenticated state for one domain plus the cookies representing it.
type Session struct {
	Domain        string   `json:"domain"`
	Cookies       []Cookie `json:"cookies"`
	Authenticated bool     `json:"authenticated"`
}

// -- Attempt Schemas --

// AttemptStatus is the outcome recorded for a processed target.
type AttemptStatus string

const (
	StatusSuccess AttemptStatus = "success"
	StatusFailed  AttemptStatus = "failed"
	StatusSkipped AttemptStatus = "skipped"
)

// Target is one entry of the ingested target list.
type Target struct {
	ID string `json:"id"`
}

// AttemptResult is created exactly once per processed target.
type AttemptResult struct {
	TargetID  string        `json:"target_id"`
	Status    AttemptStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// RunStatistics holds the counters of a single orchestration run.
type RunStatistics struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Processed returns the number of targets that reached a terminal status.
func (s RunStatistics) Processed() int {
	return s.Successful + s.Failed + s.Skipped
}

// Progress returns the processed fraction in [0, 1].
func (s RunStatistics) Progress() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Processed()) / float64(s.Total)
}

func (s RunStatistics) String() string {
	return fmt.Sprintf("total=%d success=%d failed=%d skipped=%d", s.Total, s.Successful, s.Failed, s.Skipped)
}

// CaptchaState tracks a single security challenge.
type CaptchaState string

const (
	CaptchaNone     CaptchaState = "none"
	CaptchaPending  CaptchaState = "pending"
	CaptchaResolved CaptchaState = "resolved"
	CaptchaTimedOut CaptchaState = "timed-out"
)

// -- Errors --

var (
	// ErrNotFound is the typed absence returned when an element cannot be located or acted on.
	ErrNotFound = errors.New("element not found")
	// ErrAuthenticationFailed aborts a run; no verification signal succeeded.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSecurityChallengeTimeout is an authentication failure caused by an unresolved challenge.
	ErrSecurityChallengeTimeout = fmt.Errorf("security challenge timed out: %w", ErrAuthenticationFailed)
	// ErrConfiguration marks unusable run input (empty target list, missing template).
	ErrConfiguration = errors.New("invalid configuration")
)
