package moderation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"discord-adapter/internal/access"
	"discord-adapter/internal/discord"
	"discord-adapter/internal/metrics"
	"discord-adapter/internal/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Upstream is the subset of the resource accessor used by the Moderator.
// *discord.Client implements it.
type Upstream interface {
	MemberSource
	CurrentUser(ctx context.Context) (discord.User, error)
	Guild(ctx context.Context, guildID string) (discord.Guild, error)
	User(ctx context.Context, userID string) (discord.User, error)
	LookupGuildBan(ctx context.Context, guildID, userID string) (discord.Ban, bool, error)
	TimeoutMember(ctx context.Context, guildID, userID string, until *time.Time, reason string) (discord.Member, error)
	KickMember(ctx context.Context, guildID, userID, reason string) error
	BanMember(ctx context.Context, guildID, userID string, deleteMessageDays int, reason string) error
}

// Moderator runs the shared pre-flight checks for every action and then the
// action's mutating call.
type Moderator struct {
	api       Upstream
	policy    *access.Policy
	authz     *Authorizer
	validator *validation.Validator
	logger    zerolog.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	mu    sync.Mutex
	botID string
}

// Option configures a Moderator.
type Option func(*Moderator)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Moderator) { m.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(m *Moderator) { m.metrics = r }
}

func WithValidator(v *validation.Validator) Option {
	return func(m *Moderator) { m.validator = v }
}

// WithClock replaces time.Now for timeout expiry calculations.
func WithClock(now func() time.Time) Option {
	return func(m *Moderator) { m.now = now }
}

// NewModerator wires a Moderator over api, gated by policy.
func NewModerator(api Upstream, policy *access.Policy, opts ...Option) *Moderator {
	m := &Moderator{
		api:       api,
		policy:    policy,
		validator: validation.New(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.authz = NewAuthorizer(api, m.logger)
	return m
}

// PerformAction decides and, when permitted, performs action against
// targetUserID in guildID. Decided outcomes, including every denial, are
// returned as a Result with a nil error. An error means the outcome could
// not be determined or the upstream failed unexpectedly.
func (m *Moderator) PerformAction(ctx context.Context, action Action, guildID, targetUserID string, p Params) (Result, error) {
	res := Result{
		ID:      uuid.NewString(),
		Action:  action,
		GuildID: guildID,
		UserID:  targetUserID,
		Reason:  p.Reason,
	}
	if !action.valid() {
		return res, fmt.Errorf("unknown moderation action %q", action)
	}
	err := m.perform(ctx, &res, p)
	m.record(res, err)
	return res, err
}

func (m *Moderator) Timeout(ctx context.Context, guildID, userID string, minutes int, reason string) (Result, error) {
	return m.PerformAction(ctx, ActionTimeout, guildID, userID, Params{DurationMinutes: minutes, Reason: reason})
}

func (m *Moderator) Untimeout(ctx context.Context, guildID, userID, reason string) (Result, error) {
	return m.PerformAction(ctx, ActionUntimeout, guildID, userID, Params{Reason: reason})
}

func (m *Moderator) Kick(ctx context.Context, guildID, userID, reason string) (Result, error) {
	return m.PerformAction(ctx, ActionKick, guildID, userID, Params{Reason: reason})
}

func (m *Moderator) Ban(ctx context.Context, guildID, userID string, deleteMessageDays int, reason string) (Result, error) {
	return m.PerformAction(ctx, ActionBan, guildID, userID, Params{DeleteMessageDays: deleteMessageDays, Reason: reason})
}

func (m *Moderator) perform(ctx context.Context, res *Result, p Params) error {
	if d := m.policy.CheckGuild(res.GuildID); d != nil {
		res.Outcome, res.Denial = OutcomePermissionDenied, d
		return nil
	}
	if err := m.validateParams(res.Action, p); err != nil {
		var vErr *validation.Error
		if errors.As(err, &vErr) {
			res.Outcome, res.Invalid = OutcomeInvalidInput, vErr
			return nil
		}
		return err
	}

	guild, err := m.api.Guild(ctx, res.GuildID)
	switch discord.StatusCode(err) {
	case http.StatusNotFound:
		res.Outcome = OutcomeGuildNotFound
		return nil
	case http.StatusForbidden:
		res.Outcome = OutcomeGuildForbidden
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve guild %s: %w", res.GuildID, err)
	}
	res.GuildName = guild.Name

	user, err := m.api.User(ctx, res.UserID)
	if discord.IsNotFound(err) {
		res.Outcome = OutcomeUserNotFound
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve user %s: %w", res.UserID, err)
	}
	res.DisplayName = user.DisplayName()

	if res.Action == ActionBan {
		_, banned, err := m.api.LookupGuildBan(ctx, res.GuildID, res.UserID)
		switch {
		case err != nil:
			m.logger.Warn().Err(err).Str("guild_id", res.GuildID).Str("user_id", res.UserID).
				Msg("could not check ban status")
		case banned:
			res.Outcome = OutcomeAlreadyBanned
			return nil
		}
	}

	actingID, err := m.actingUserID(ctx)
	if err != nil {
		return &AuthorizationError{GuildID: res.GuildID, Step: "fetch acting identity", Err: err}
	}
	outcome, err := m.authz.Authorize(ctx, res.GuildID, actingID, res.UserID)
	switch {
	case errors.Is(err, ErrTargetNotMember):
		if res.Action.requiresMembership() {
			res.Outcome = OutcomeNotMember
			return nil
		}
	case err != nil:
		return err
	case !outcome.Permitted:
		res.Outcome, res.Hierarchy = OutcomeHierarchyDenied, &outcome
		return nil
	default:
		res.Hierarchy = &outcome
	}

	return m.mutate(ctx, res, p)
}

func (m *Moderator) validateParams(action Action, p Params) error {
	if err := m.validator.Reason(p.Reason); err != nil {
		return err
	}
	switch action {
	case ActionTimeout:
		return m.validator.TimeoutMinutes(p.DurationMinutes)
	case ActionBan:
		return m.validator.BanDeleteDays(p.DeleteMessageDays)
	}
	return nil
}

// actingUserID returns the bot's own id. The id never changes for a token,
// so it is cached after the first successful fetch. The lookup runs outside
// the lock so each caller waits only on its own ctx.
func (m *Moderator) actingUserID(ctx context.Context) (string, error) {
	m.mu.Lock()
	id := m.botID
	m.mu.Unlock()
	if id != "" {
		return id, nil
	}

	me, err := m.api.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.botID == "" {
		m.botID = me.ID
	}
	return m.botID, nil
}

func (m *Moderator) mutate(ctx context.Context, res *Result, p Params) error {
	var err error
	switch res.Action {
	case ActionTimeout:
		until := m.now().UTC().Add(time.Duration(p.DurationMinutes) * time.Minute)
		if _, err = m.api.TimeoutMember(ctx, res.GuildID, res.UserID, &until, p.Reason); err == nil {
			res.DurationMinutes, res.ExpiresAt = p.DurationMinutes, &until
		}
	case ActionUntimeout:
		member, found, lookupErr := m.api.LookupGuildMember(ctx, res.GuildID, res.UserID)
		if lookupErr != nil {
			return fmt.Errorf("read member %s: %w", res.UserID, lookupErr)
		}
		if !found {
			res.Outcome = OutcomeNotMember
			return nil
		}
		res.PreviousExpiry = member.CommunicationDisabledUntil
		if !member.TimedOutAt(m.now()) {
			res.Outcome = OutcomeNotTimedOut
			return nil
		}
		_, err = m.api.TimeoutMember(ctx, res.GuildID, res.UserID, nil, p.Reason)
	case ActionKick:
		err = m.api.KickMember(ctx, res.GuildID, res.UserID, p.Reason)
	case ActionBan:
		if err = m.api.BanMember(ctx, res.GuildID, res.UserID, p.DeleteMessageDays, p.Reason); err == nil {
			res.DeleteMessageDays = p.DeleteMessageDays
		}
	}
	if err == nil {
		res.Outcome = OutcomeSuccess
		return nil
	}

	var apiErr *discord.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusForbidden:
			res.Outcome = OutcomeMissingPermission
			res.MissingPermission = res.Action.permission()
			res.UpstreamMessage = apiErr.Message
			return nil
		case http.StatusNotFound:
			res.Outcome = OutcomeNotMember
			return nil
		case http.StatusBadRequest:
			res.Outcome = OutcomeAlreadyApplied
			res.UpstreamMessage = apiErr.Message
			return nil
		}
	}
	return fmt.Errorf("%s user %s in guild %s: %w", res.Action, res.UserID, res.GuildID, err)
}

func (m *Moderator) record(res Result, err error) {
	outcome := string(res.Outcome)
	event := m.logger.Info()
	switch {
	case err != nil:
		outcome = "error"
		event = m.logger.Error().Err(err)
	case !res.Succeeded():
		event = m.logger.Warn()
	}
	m.metrics.ObserveModeration(string(res.Action), outcome)

	event = event.
		Str("moderation_id", res.ID).
		Str("action", string(res.Action)).
		Str("guild_id", res.GuildID).
		Str("target_user_id", res.UserID).
		Str("outcome", outcome)
	if res.GuildName != "" {
		event = event.Str("guild_name", res.GuildName)
	}
	if res.DisplayName != "" {
		event = event.Str("target_display_name", res.DisplayName)
	}
	if res.Reason != "" {
		event = event.Str("reason", res.Reason)
	}
	if h := res.Hierarchy; h != nil {
		event = event.Int("acting_position", h.ActingRole.Position).Int("target_position", h.TargetRole.Position)
	}
	if res.ExpiresAt != nil {
		event = event.Time("expires_at", *res.ExpiresAt)
	}
	event.Msg("moderation " + string(res.Action))
}
