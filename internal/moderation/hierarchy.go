// Package moderation decides and performs destructive member actions
// (timeout, kick, ban) after checking the static allow-lists and the guild's
// role hierarchy.
package moderation

import (
	"context"
	"errors"
	"fmt"

	"discord-adapter/internal/discord"

	"github.com/rs/zerolog"
)

// EveryoneRole stands in for a member holding no resolvable role.
var EveryoneRole = discord.Role{Name: "@everyone", Position: -1}

// ErrTargetNotMember is returned by Authorize when the target is not in the
// guild. Whether that is fatal depends on the action.
var ErrTargetNotMember = errors.New("target user is not a member of the guild")

// AuthorizationError means the hierarchy could not be determined. It is never
// a denial.
type AuthorizationError struct {
	GuildID string
	Step    string
	Err     error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorize in guild %s: %s: %v", e.GuildID, e.Step, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// HierarchyOutcome is the result of comparing the acting and target members'
// highest roles. Both roles are kept so a denial can be explained.
type HierarchyOutcome struct {
	Permitted  bool         `json:"permitted"`
	ActingRole discord.Role `json:"acting_role"`
	TargetRole discord.Role `json:"target_role"`
}

// MemberSource is the subset of the resource accessor the Authorizer needs.
type MemberSource interface {
	LookupGuildMember(ctx context.Context, guildID, userID string) (discord.Member, bool, error)
	GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error)
}

// Authorizer compares role positions. Member and role data is fetched on
// every call and never cached.
type Authorizer struct {
	src    MemberSource
	logger zerolog.Logger
}

func NewAuthorizer(src MemberSource, logger zerolog.Logger) *Authorizer {
	return &Authorizer{src: src, logger: logger}
}

// Authorize permits the action iff the acting member's highest role position
// is strictly greater than the target's.
func (a *Authorizer) Authorize(ctx context.Context, guildID, actingUserID, targetUserID string) (HierarchyOutcome, error) {
	acting, found, err := a.src.LookupGuildMember(ctx, guildID, actingUserID)
	if err != nil {
		return HierarchyOutcome{}, &AuthorizationError{GuildID: guildID, Step: "fetch acting member", Err: err}
	}
	if !found {
		return HierarchyOutcome{}, &AuthorizationError{GuildID: guildID, Step: "fetch acting member", Err: errors.New("acting user is not a member")}
	}

	target, found, err := a.src.LookupGuildMember(ctx, guildID, targetUserID)
	if err != nil {
		return HierarchyOutcome{}, &AuthorizationError{GuildID: guildID, Step: "fetch target member", Err: err}
	}
	if !found {
		return HierarchyOutcome{}, ErrTargetNotMember
	}

	roles, err := a.src.GuildRoles(ctx, guildID)
	if err != nil {
		return HierarchyOutcome{}, &AuthorizationError{GuildID: guildID, Step: "fetch guild roles", Err: err}
	}

	out := Compare(acting, target, roles)
	a.logger.Debug().
		Str("guild_id", guildID).
		Str("target_user_id", targetUserID).
		Int("acting_position", out.ActingRole.Position).
		Int("target_position", out.TargetRole.Position).
		Bool("permitted", out.Permitted).
		Msg("role hierarchy evaluated")
	return out, nil
}

// Compare evaluates the hierarchy for already fetched data.
func Compare(acting, target discord.Member, roles []discord.Role) HierarchyOutcome {
	byID := make(map[string]discord.Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}
	actingRole := HighestRole(acting.Roles, byID)
	targetRole := HighestRole(target.Roles, byID)
	return HierarchyOutcome{
		Permitted:  actingRole.Position > targetRole.Position,
		ActingRole: actingRole,
		TargetRole: targetRole,
	}
}

// HighestRole resolves roleIDs and returns the one with the greatest
// position; the first seen wins a tie. Unknown ids are skipped.
func HighestRole(roleIDs []string, roles map[string]discord.Role) discord.Role {
	best := EveryoneRole
	for _, id := range roleIDs {
		if r, ok := roles[id]; ok && r.Position > best.Position {
			best = r
		}
	}
	return best
}
