package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	MaxMessageLimit      = 100
	MaxBanDeleteDays     = 7
	auditLogReasonHeader = "X-Audit-Log-Reason"
)

// ErrEmptyMessage is returned when a message has neither content nor embeds.
var ErrEmptyMessage = errors.New("discord: message must have content or embeds")

func reasonHeader(reason string) http.Header {
	if reason == "" {
		return nil
	}
	return http.Header{auditLogReasonHeader: {url.PathEscape(reason)}}
}

// CurrentUser returns the bot's own account.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/users/@me", nil, nil, nil, &u)
	return u, err
}

// CurrentUserGuilds lists the guilds the bot belongs to.
func (c *Client) CurrentUserGuilds(ctx context.Context) ([]Guild, error) {
	var gs []Guild
	err := c.do(ctx, http.MethodGet, "/users/@me/guilds", nil, nil, nil, &gs)
	return gs, err
}

func (c *Client) User(ctx context.Context, userID string) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/users/"+userID, nil, nil, nil, &u)
	return u, err
}

func (c *Client) Guild(ctx context.Context, guildID string) (Guild, error) {
	var g Guild
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID, nil, nil, nil, &g)
	return g, err
}

func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var chs []Channel
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/channels", nil, nil, nil, &chs)
	return chs, err
}

func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var roles []Role
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/roles", nil, nil, nil, &roles)
	return roles, err
}

func (c *Client) GuildMember(ctx context.Context, guildID, userID string) (Member, error) {
	var m Member
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/members/"+userID, nil, nil, nil, &m)
	return m, err
}

// LookupGuildMember is GuildMember with "not a member" as an explicit
// result: a 404 yields found == false and a nil error.
func (c *Client) LookupGuildMember(ctx context.Context, guildID, userID string) (Member, bool, error) {
	m, err := c.GuildMember(ctx, guildID, userID)
	if IsNotFound(err) {
		return Member{}, false, nil
	}
	if err != nil {
		return Member{}, false, err
	}
	return m, true, nil
}

// LookupGuildBan returns the ban record for userID; a 404 means not banned.
func (c *Client) LookupGuildBan(ctx context.Context, guildID, userID string) (Ban, bool, error) {
	var b Ban
	err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/bans/"+userID, nil, nil, nil, &b)
	if IsNotFound(err) {
		return Ban{}, false, nil
	}
	if err != nil {
		return Ban{}, false, err
	}
	return b, true, nil
}

// EditGuildMember patches member fields. A nil value clears the field.
func (c *Client) EditGuildMember(ctx context.Context, guildID, userID string, fields map[string]any, reason string) (Member, error) {
	var m Member
	err := c.do(ctx, http.MethodPatch, "/guilds/"+guildID+"/members/"+userID, nil, fields, reasonHeader(reason), &m)
	return m, err
}

// TimeoutMember sets communication_disabled_until; nil until removes the
// timeout.
func (c *Client) TimeoutMember(ctx context.Context, guildID, userID string, until *time.Time, reason string) (Member, error) {
	var value any
	if until != nil {
		value = until.UTC().Format(time.RFC3339)
	}
	return c.EditGuildMember(ctx, guildID, userID, map[string]any{"communication_disabled_until": value}, reason)
}

// KickMember removes userID from the guild.
func (c *Client) KickMember(ctx context.Context, guildID, userID, reason string) error {
	return c.do(ctx, http.MethodDelete, "/guilds/"+guildID+"/members/"+userID, nil, nil, reasonHeader(reason), nil)
}

type banBody struct {
	DeleteMessageDays int `json:"delete_message_days,omitempty"`
}

// BanMember bans userID. deleteMessageDays is clamped to 0-7.
func (c *Client) BanMember(ctx context.Context, guildID, userID string, deleteMessageDays int, reason string) error {
	body := banBody{DeleteMessageDays: min(max(deleteMessageDays, 0), MaxBanDeleteDays)}
	return c.do(ctx, http.MethodPut, "/guilds/"+guildID+"/bans/"+userID, nil, body, reasonHeader(reason), nil)
}

func (c *Client) Channel(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, nil, nil, &ch)
	return ch, err
}

// ChannelMessages returns a page of history, newest first. Limit is clamped
// to 1-100 and defaults to 50.
func (c *Client) ChannelMessages(ctx context.Context, channelID string, q MessageQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{"limit": {strconv.Itoa(min(limit, MaxMessageLimit))}}
	switch {
	case q.Before != "":
		params.Set("before", q.Before)
	case q.After != "":
		params.Set("after", q.After)
	case q.Around != "":
		params.Set("around", q.Around)
	}
	var msgs []Message
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages", params, nil, nil, &msgs)
	return msgs, err
}

func (c *Client) ChannelMessage(ctx context.Context, channelID, messageID string) (Message, error) {
	var m Message
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, nil, nil, &m)
	return m, err
}

func (c *Client) SendMessage(ctx context.Context, channelID string, msg MessageCreate) (Message, error) {
	if msg.Content == "" && len(msg.Embeds) == 0 {
		return Message{}, ErrEmptyMessage
	}
	var m Message
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", nil, msg, nil, &m)
	return m, err
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) (Message, error) {
	var m Message
	body := map[string]string{"content": content}
	err := c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, nil, body, nil, &m)
	return m, err
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil, nil, nil)
}

// CreateDM opens (or returns the existing) DM channel with userID.
func (c *Client) CreateDM(ctx context.Context, userID string) (Channel, error) {
	var ch Channel
	body := map[string]string{"recipient_id": userID}
	err := c.do(ctx, http.MethodPost, "/users/@me/channels", nil, body, nil, &ch)
	return ch, err
}

// SendDM opens the DM channel and posts content to it.
func (c *Client) SendDM(ctx context.Context, userID, content string) (Message, error) {
	ch, err := c.CreateDM(ctx, userID)
	if err != nil {
		return Message{}, fmt.Errorf("open dm channel: %w", err)
	}
	return c.SendMessage(ctx, ch.ID, MessageCreate{Content: content})
}
