// Package messaging provides the gated, non-destructive operations: listing
// guilds and channels, reading and sending channel messages and DMs, and
// editing or deleting the bot's messages.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"discord-adapter/internal/access"
	"discord-adapter/internal/discord"
	"discord-adapter/internal/validation"

	"github.com/rs/zerolog"
)

// Upstream is the subset of the resource accessor used by Service.
type Upstream interface {
	CurrentUser(ctx context.Context) (discord.User, error)
	CurrentUserGuilds(ctx context.Context) ([]discord.Guild, error)
	GuildChannels(ctx context.Context, guildID string) ([]discord.Channel, error)
	Channel(ctx context.Context, channelID string) (discord.Channel, error)
	ChannelMessages(ctx context.Context, channelID string, q discord.MessageQuery) ([]discord.Message, error)
	ChannelMessage(ctx context.Context, channelID, messageID string) (discord.Message, error)
	SendMessage(ctx context.Context, channelID string, msg discord.MessageCreate) (discord.Message, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) (discord.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	CreateDM(ctx context.Context, userID string) (discord.Channel, error)
	SendDM(ctx context.Context, userID, content string) (discord.Message, error)
	User(ctx context.Context, userID string) (discord.User, error)
}

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeInvalidInput     Outcome = "invalid_input"
	OutcomePermissionDenied Outcome = "permission_denied"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeNotAuthor        Outcome = "not_author"
)

// NotFound names a resource the upstream did not know.
type NotFound struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// Result is returned for every decided request. Only the fields relevant to
// the operation are set.
type Result struct {
	Outcome  Outcome           `json:"outcome"`
	Denial   *access.Denial    `json:"denial,omitempty"`
	Invalid  *validation.Error `json:"invalid,omitempty"`
	NotFound *NotFound         `json:"not_found,omitempty"`
	Warning  string            `json:"warning,omitempty"`

	Guilds    []discord.Guild   `json:"guilds,omitempty"`
	Channels  []discord.Channel `json:"channels,omitempty"`
	Channel   *discord.Channel  `json:"channel,omitempty"`
	Message   *discord.Message  `json:"message,omitempty"`
	Messages  []discord.Message `json:"messages,omitempty"`
	User      *discord.User     `json:"user,omitempty"`
	Recipient *discord.User     `json:"recipient,omitempty"`
}

func (r Result) Succeeded() bool { return r.Outcome == OutcomeSuccess }

func denied(d *access.Denial) Result {
	return Result{Outcome: OutcomePermissionDenied, Denial: d}
}

func notFound(resourceType, id string) Result {
	return Result{Outcome: OutcomeNotFound, NotFound: &NotFound{ResourceType: resourceType, ResourceID: id}}
}

// invalid turns a validation failure into a Result; ok is false for any
// other error.
func invalid(err error) (Result, bool) {
	var vErr *validation.Error
	if errors.As(err, &vErr) {
		return Result{Outcome: OutcomeInvalidInput, Invalid: vErr}, true
	}
	return Result{}, false
}

// Service is safe for concurrent use.
type Service struct {
	api           Upstream
	policy        *access.Policy
	validator     *validation.Validator
	logger        zerolog.Logger
	applicationID string
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithValidator(v *validation.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithApplicationID names the bot's own application so DMs to itself are not
// flagged as bot-to-bot.
func WithApplicationID(id string) Option {
	return func(s *Service) { s.applicationID = id }
}

func NewService(api Upstream, policy *access.Policy, opts ...Option) *Service {
	s := &Service{
		api:       api,
		policy:    policy,
		validator: validation.New(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListGuilds returns the bot's guilds that pass the guild allow-list.
func (s *Service) ListGuilds(ctx context.Context) (Result, error) {
	guilds, err := s.api.CurrentUserGuilds(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list guilds: %w", err)
	}
	if s.policy.Restricted() {
		allowed := guilds[:0:0]
		for _, g := range guilds {
			if s.policy.GuildAllowed(g.ID) {
				allowed = append(allowed, g)
			}
		}
		s.logger.Debug().Int("total", len(guilds)).Int("allowed", len(allowed)).Msg("filtered guilds by allowed list")
		guilds = allowed
	}
	return Result{Outcome: OutcomeSuccess, Guilds: guilds}, nil
}

// ListChannels returns guildID's channels that pass the channel allow-list.
func (s *Service) ListChannels(ctx context.Context, guildID string) (Result, error) {
	if d := s.policy.CheckGuild(guildID); d != nil {
		return denied(d), nil
	}
	channels, err := s.api.GuildChannels(ctx, guildID)
	if discord.IsNotFound(err) {
		return notFound(access.ResourceGuild, guildID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("list channels of guild %s: %w", guildID, err)
	}
	allowed := channels[:0:0]
	for _, ch := range channels {
		if s.policy.ChannelAllowed(ch.ID) {
			allowed = append(allowed, ch)
		}
	}
	return Result{Outcome: OutcomeSuccess, Channels: allowed}, nil
}

// gateChannel applies the channel allow-list, resolves the channel and then
// applies the guild allow-list to guild channels. A non-nil Result is a
// decided outcome.
func (s *Service) gateChannel(ctx context.Context, channelID string) (discord.Channel, *Result, error) {
	if d := s.policy.CheckChannel(channelID); d != nil {
		res := denied(d)
		return discord.Channel{}, &res, nil
	}
	ch, err := s.api.Channel(ctx, channelID)
	if discord.IsNotFound(err) {
		res := notFound(access.ResourceChannel, channelID)
		return discord.Channel{}, &res, nil
	}
	if err != nil {
		return discord.Channel{}, nil, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	if ch.GuildID != "" {
		if d := s.policy.CheckGuild(ch.GuildID); d != nil {
			res := denied(d)
			return discord.Channel{}, &res, nil
		}
	}
	return ch, nil, nil
}

// ReadMessages returns up to q.Limit messages from channelID, newest first.
// A zero limit means 50.
func (s *Service) ReadMessages(ctx context.Context, channelID string, q discord.MessageQuery) (Result, error) {
	if q.Limit == 0 {
		q.Limit = 50
	}
	if res, ok := invalid(s.validator.MessageLimit(q.Limit)); ok {
		return res, nil
	}
	ch, decided, err := s.gateChannel(ctx, channelID)
	if decided != nil || err != nil {
		return deref(decided), err
	}
	msgs, err := s.api.ChannelMessages(ctx, channelID, q)
	if err != nil {
		return Result{}, fmt.Errorf("read messages in %s: %w", channelID, err)
	}
	return Result{Outcome: OutcomeSuccess, Channel: &ch, Messages: msgs}, nil
}

// SendMessage posts content to channelID, optionally as a reply.
func (s *Service) SendMessage(ctx context.Context, channelID, content, replyTo string) (Result, error) {
	if res, ok := invalid(s.validator.Content("content", content)); ok {
		return res, nil
	}
	ch, decided, err := s.gateChannel(ctx, channelID)
	if decided != nil || err != nil {
		return deref(decided), err
	}
	create := discord.MessageCreate{Content: content}
	if replyTo != "" {
		create.MessageReference = &discord.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}
	msg, err := s.api.SendMessage(ctx, channelID, create)
	if err != nil {
		return Result{}, fmt.Errorf("send message to %s: %w", channelID, err)
	}
	s.logger.Info().Str("channel_id", channelID).Str("message_id", msg.ID).Str("reply_to", replyTo).Msg("message sent")
	return Result{Outcome: OutcomeSuccess, Channel: &ch, Message: &msg}, nil
}

// SendDM opens a DM channel with userID and posts content.
func (s *Service) SendDM(ctx context.Context, userID, content string) (Result, error) {
	if res, ok := invalid(s.validator.Content("content", content)); ok {
		return res, nil
	}
	user, decided, err := s.lookupUser(ctx, userID)
	if decided != nil || err != nil {
		return deref(decided), err
	}
	var warning string
	if user.Bot && user.ID != s.applicationID {
		warning = "recipient is a bot and may not accept direct messages"
		s.logger.Warn().Str("user_id", userID).Str("username", user.DisplayName()).Msg("attempting to DM another bot")
	}
	msg, err := s.api.SendDM(ctx, userID, content)
	if err != nil {
		return Result{}, fmt.Errorf("send dm to %s: %w", userID, err)
	}
	s.logger.Info().Str("user_id", userID).Str("message_id", msg.ID).Msg("direct message sent")
	return Result{Outcome: OutcomeSuccess, Recipient: &user, Message: &msg, Warning: warning}, nil
}

// ReadDMs returns the latest messages of the DM channel with userID.
func (s *Service) ReadDMs(ctx context.Context, userID string, limit int) (Result, error) {
	if limit == 0 {
		limit = 10
	}
	if res, ok := invalid(s.validator.MessageLimit(limit)); ok {
		return res, nil
	}
	user, decided, err := s.lookupUser(ctx, userID)
	if decided != nil || err != nil {
		return deref(decided), err
	}
	ch, err := s.api.CreateDM(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("open dm channel with %s: %w", userID, err)
	}
	msgs, err := s.api.ChannelMessages(ctx, ch.ID, discord.MessageQuery{Limit: limit})
	if err != nil {
		return Result{}, fmt.Errorf("read dms with %s: %w", userID, err)
	}
	return Result{Outcome: OutcomeSuccess, Recipient: &user, Channel: &ch, Messages: msgs}, nil
}

// DeleteMessage removes messageID from channelID.
func (s *Service) DeleteMessage(ctx context.Context, channelID, messageID string) (Result, error) {
	ch, decided, err := s.gateChannel(ctx, channelID)
	if decided != nil || err != nil {
		return deref(decided), err
	}
	res := Result{Outcome: OutcomeSuccess, Channel: &ch}
	msg, err := s.api.ChannelMessage(ctx, channelID, messageID)
	switch {
	case discord.IsNotFound(err):
		return notFound("message", messageID), nil
	case err != nil:
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("could not read message before deleting")
	default:
		res.Message = &msg
	}
	if err := s.api.DeleteMessage(ctx, channelID, messageID); err != nil {
		return Result{}, fmt.Errorf("delete message %s: %w", messageID, err)
	}
	s.logger.Info().Str("channel_id", channelID).Str("message_id", messageID).Msg("message deleted")
	return res, nil
}

// EditMessage replaces the content of one of the bot's own messages.
func (s *Service) EditMessage(ctx context.Context, channelID, messageID, content string) (Result, error) {
	if res, ok := invalid(s.validator.Content("content", content)); ok {
		return res, nil
	}
	ch, decided, err := s.gateChannel(ctx, channelID)
	if decided != nil || err != nil {
		return deref(decided), err
	}
	me, err := s.api.CurrentUser(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("resolve bot user: %w", err)
	}
	old, err := s.api.ChannelMessage(ctx, channelID, messageID)
	if discord.IsNotFound(err) {
		return notFound("message", messageID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read message %s: %w", messageID, err)
	}
	if old.Author.ID != me.ID {
		return Result{Outcome: OutcomeNotAuthor, Message: &old}, nil
	}
	msg, err := s.api.EditMessage(ctx, channelID, messageID, content)
	if err != nil {
		return Result{}, fmt.Errorf("edit message %s: %w", messageID, err)
	}
	return Result{Outcome: OutcomeSuccess, Channel: &ch, Message: &msg}, nil
}

// UserInfo resolves a user profile.
func (s *Service) UserInfo(ctx context.Context, userID string) (Result, error) {
	user, decided, err := s.lookupUser(ctx, userID)
	if decided != nil || err != nil {
		return deref(decided), err
	}
	return Result{Outcome: OutcomeSuccess, User: &user}, nil
}

func (s *Service) lookupUser(ctx context.Context, userID string) (discord.User, *Result, error) {
	user, err := s.api.User(ctx, userID)
	if discord.IsNotFound(err) {
		res := notFound("user", userID)
		return discord.User{}, &res, nil
	}
	if err != nil {
		return discord.User{}, nil, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return user, nil, nil
}

func deref(r *Result) Result {
	if r == nil {
		return Result{}
	}
	return *r
}
