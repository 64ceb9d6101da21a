package discord

import "time"

// User is a Discord account. GlobalName is optional upstream.
type User struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	GlobalName    *string `json:"global_name,omitempty"`
	Discriminator string  `json:"discriminator,omitempty"`
	Avatar        *string `json:"avatar,omitempty"`
	Bot           bool    `json:"bot,omitempty"`
}

// DisplayName prefers the global display name over the username.
func (u User) DisplayName() string {
	if u.GlobalName != nil && *u.GlobalName != "" {
		return *u.GlobalName
	}
	if u.Username != "" {
		return u.Username
	}
	return "Unknown User"
}

// Guild is an organizational unit (server).
type Guild struct {
	ID                       string  `json:"id"`
	Name                     string  `json:"name"`
	Icon                     *string `json:"icon,omitempty"`
	OwnerID                  string  `json:"owner_id,omitempty"`
	Permissions              string  `json:"permissions,omitempty"`
	ApproximateMemberCount   int     `json:"approximate_member_count,omitempty"`
	ApproximatePresenceCount int     `json:"approximate_presence_count,omitempty"`
}

// Channel types used by the adapter.
const (
	ChannelTypeGuildText = 0
	ChannelTypeDM        = 1
	ChannelTypeVoice     = 2
	ChannelTypeCategory  = 4
)

type Channel struct {
	ID         string  `json:"id"`
	Type       int     `json:"type"`
	GuildID    string  `json:"guild_id,omitempty"`
	Name       string  `json:"name,omitempty"`
	Topic      *string `json:"topic,omitempty"`
	Position   int     `json:"position,omitempty"`
	ParentID   *string `json:"parent_id,omitempty"`
	Recipients []User  `json:"recipients,omitempty"`
}

// Role is a rank within a guild. Higher Position outranks lower; equal
// positions do not outrank each other.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions,omitempty"`
	Color       int    `json:"color,omitempty"`
	Managed     bool   `json:"managed,omitempty"`
}

// Member is a user's membership in a guild. Roles holds role ids only.
type Member struct {
	User                       *User      `json:"user,omitempty"`
	Nick                       *string    `json:"nick,omitempty"`
	Roles                      []string   `json:"roles"`
	JoinedAt                   *time.Time `json:"joined_at,omitempty"`
	CommunicationDisabledUntil *time.Time `json:"communication_disabled_until,omitempty"`
}

// UserID returns the member's user id, or "" when the payload omitted it.
func (m Member) UserID() string {
	if m.User == nil {
		return ""
	}
	return m.User.ID
}

// TimedOutAt reports whether the member is timed out at t.
func (m Member) TimedOutAt(t time.Time) bool {
	return m.CommunicationDisabledUntil != nil && m.CommunicationDisabledUntil.After(t)
}

type Ban struct {
	Reason *string `json:"reason"`
	User   User    `json:"user"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type MessageReference struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
}

type Message struct {
	ID               string            `json:"id"`
	ChannelID        string            `json:"channel_id"`
	Author           User              `json:"author"`
	Content          string            `json:"content"`
	Timestamp        time.Time         `json:"timestamp"`
	EditedTimestamp  *time.Time        `json:"edited_timestamp,omitempty"`
	Embeds           []Embed           `json:"embeds,omitempty"`
	MessageReference *MessageReference `json:"message_reference,omitempty"`
}

// MessageCreate is the body of a send-message call. Content or Embeds is
// required.
type MessageCreate struct {
	Content          string            `json:"content,omitempty"`
	Embeds           []Embed           `json:"embeds,omitempty"`
	MessageReference *MessageReference `json:"message_reference,omitempty"`
}

// MessageQuery selects a page of channel history. Only the first non-empty
// cursor of Before, After and Around is sent.
type MessageQuery struct {
	Limit  int
	Before string
	After  string
	Around string
}
