package moderation

import (
	"time"

	"discord-adapter/internal/access"
	"discord-adapter/internal/validation"
)

// Action is a moderation action kind.
type Action string

const (
	ActionTimeout   Action = "timeout"
	ActionUntimeout Action = "untimeout"
	ActionKick      Action = "kick"
	ActionBan       Action = "ban"
)

// requiresMembership reports whether the target must currently be in the
// guild. A ban can target a user who already left.
func (a Action) requiresMembership() bool {
	return a != ActionBan
}

// permission is the guild permission the bot needs for a.
func (a Action) permission() string {
	switch a {
	case ActionKick:
		return "kick_members"
	case ActionBan:
		return "ban_members"
	default:
		return "moderate_members"
	}
}

func (a Action) valid() bool {
	switch a {
	case ActionTimeout, ActionUntimeout, ActionKick, ActionBan:
		return true
	}
	return false
}

// Outcome names a decided result. Only OutcomeSuccess means the action ran.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeInvalidInput      Outcome = "invalid_input"
	OutcomePermissionDenied  Outcome = "permission_denied"
	OutcomeGuildNotFound     Outcome = "guild_not_found"
	OutcomeGuildForbidden    Outcome = "guild_forbidden"
	OutcomeUserNotFound      Outcome = "user_not_found"
	OutcomeNotMember         Outcome = "not_member"
	OutcomeHierarchyDenied   Outcome = "hierarchy_denied"
	OutcomeMissingPermission Outcome = "missing_permission"
	OutcomeAlreadyApplied    Outcome = "already_in_requested_state"
	OutcomeAlreadyBanned     Outcome = "already_banned"
	OutcomeNotTimedOut       Outcome = "not_timed_out"
)

// Params carries the action specific arguments.
type Params struct {
	DurationMinutes   int    `json:"duration_minutes,omitempty"`
	DeleteMessageDays int    `json:"delete_message_days,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// Result is returned for every decided request, permitted or not. It carries
// enough context for a presentation layer to explain the outcome.
type Result struct {
	ID          string  `json:"id"`
	Action      Action  `json:"action"`
	Outcome     Outcome `json:"outcome"`
	GuildID     string  `json:"guild_id"`
	GuildName   string  `json:"guild_name,omitempty"`
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name,omitempty"`
	Reason      string  `json:"reason,omitempty"`

	Denial            *access.Denial    `json:"denial,omitempty"`
	Invalid           *validation.Error `json:"invalid,omitempty"`
	Hierarchy         *HierarchyOutcome `json:"hierarchy,omitempty"`
	MissingPermission string            `json:"missing_permission,omitempty"`
	UpstreamMessage   string            `json:"upstream_message,omitempty"`

	DurationMinutes   int        `json:"duration_minutes,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	PreviousExpiry    *time.Time `json:"previous_expiry,omitempty"`
	DeleteMessageDays int        `json:"delete_message_days,omitempty"`
}

// Succeeded reports whether the mutating call was made and accepted.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}
