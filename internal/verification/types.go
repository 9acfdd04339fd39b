// Package verification holds the domain types shared by the termination
// scheduler and its collaborators.
package verification

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("verification not found")

	// ErrStatusConflict is returned by status updates when the stored attempt
	// already left the waiting state (another path won the race).
	ErrStatusConflict = errors.New("verification status conflict")
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusPassed     Status = "passed"
	StatusRejected   Status = "rejected"
	StatusTimeout    Status = "timeout"
	StatusManualBan  Status = "manual_ban"
	StatusManualKick Status = "manual_kick"
)

// Terminal reports whether s is one of the final dispositions.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusRejected, StatusTimeout, StatusManualBan, StatusManualKick:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool { return s == StatusWaiting || s.Terminal() }

type Source string

const (
	SourceJoined      Source = "joined"
	SourceJoinRequest Source = "join_request"
)

// KillMethod is how a user is removed when an attempt fails.
type KillMethod string

const (
	KillBan  KillMethod = "ban"
	KillKick KillMethod = "kick"
)

func (k KillMethod) Valid() bool { return k == KillBan || k == KillKick }

// ParseKillMethod accepts "ban" or "kick" (case-insensitive). Empty input
// returns "" without error so callers can treat it as "unset".
func ParseKillMethod(raw string) (KillMethod, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", nil
	}
	k := KillMethod(s)
	if !k.Valid() {
		return "", fmt.Errorf("invalid kill method %q (want ban or kick)", raw)
	}
	return k, nil
}

// Reason is passed to the user-removal collaborator.
type Reason string

const (
	ReasonTimeout    Reason = "timeout"
	ReasonManualBan  Reason = "manual_ban"
	ReasonManualKick Reason = "manual_kick"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleAdmin  Role = "admin"
)

// StatCategory is the bucket a disposition is counted under.
type StatCategory string

const (
	StatTimeout  StatCategory = "timeout"
	StatOther    StatCategory = "other"
	StatPassed   StatCategory = "passed"
	StatRejected StatCategory = "rejected"
)

type User struct {
	ID           int64
	Name         string
	LanguageCode string
}

// Attempt is one join-challenge instance. The persistence layer owns it;
// callers re-fetch before acting on Status.
type Attempt struct {
	ID        int64
	ChatID    int64
	User      User
	Status    Status
	Source    Source
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scheme is the per-chat verification policy. Zero-valued fields mean
// "use the global default".
type Scheme struct {
	ChatID     int64
	KillMethod KillMethod
	// UnbanDelay is nil when unset; an explicit zero is a valid override.
	UnbanDelay *time.Duration
	Duration   time.Duration
}

// Defaults are the global fallbacks consulted when a scheme leaves a field unset.
type Defaults struct {
	KillMethod KillMethod
	UnbanDelay time.Duration
	Duration   time.Duration
}

// Resolve returns the effective kill method and unban delay for s.
func (s Scheme) Resolve(d Defaults) (KillMethod, time.Duration) {
	method := s.KillMethod
	if !method.Valid() {
		method = d.KillMethod
	}
	if !method.Valid() {
		method = KillKick
	}
	unban := d.UnbanDelay
	if s.UnbanDelay != nil {
		unban = *s.UnbanDelay
	}
	if unban < 0 {
		unban = 0
	}
	return method, unban
}

// EffectiveDuration returns the challenge duration, falling back to d.Duration.
func (s Scheme) EffectiveDuration(d Defaults) time.Duration {
	if s.Duration > 0 {
		return s.Duration
	}
	return d.Duration
}

// Operation is an append-only audit entry for one disposition.
type Operation struct {
	ID             int64
	VerificationID int64
	Action         KillMethod
	Role           Role
	CreatedAt      time.Time
}

// JobKey identifies the single scheduled timeout for a (chat, user) pair.
func JobKey(chatID, userID int64) string {
	return fmt.Sprintf("terminate-%d-%d", chatID, userID)
}
