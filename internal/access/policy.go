// Package access implements the static guild and channel allow-lists.
package access

import "fmt"

// Resource types named in a Denial.
const (
	ResourceGuild   = "guild"
	ResourceChannel = "channel"
)

// Policy filters guild and channel ids against configured allow-lists. A nil
// set means unrestricted. A Policy is immutable after construction and safe
// for concurrent use.
type Policy struct {
	guilds   map[string]struct{}
	channels map[string]struct{}
}

// NewPolicy builds a Policy. An empty slice leaves that dimension
// unrestricted.
func NewPolicy(guildIDs, channelIDs []string) *Policy {
	return &Policy{guilds: toSet(guildIDs), channels: toSet(channelIDs)}
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// GuildAllowed reports whether guildID passes the guild allow-list.
func (p *Policy) GuildAllowed(guildID string) bool {
	if p == nil || p.guilds == nil {
		return true
	}
	_, ok := p.guilds[guildID]
	return ok
}

// ChannelAllowed reports whether channelID passes the channel allow-list.
func (p *Policy) ChannelAllowed(channelID string) bool {
	if p == nil || p.channels == nil {
		return true
	}
	_, ok := p.channels[channelID]
	return ok
}

// CheckGuild returns a Denial when guildID is not allowed.
func (p *Policy) CheckGuild(guildID string) *Denial {
	if p.GuildAllowed(guildID) {
		return nil
	}
	return &Denial{ResourceType: ResourceGuild, ResourceID: guildID}
}

// CheckChannel returns a Denial when channelID is not allowed.
func (p *Policy) CheckChannel(channelID string) *Denial {
	if p.ChannelAllowed(channelID) {
		return nil
	}
	return &Denial{ResourceType: ResourceChannel, ResourceID: channelID}
}

// Restricted reports whether either allow-list is configured.
func (p *Policy) Restricted() bool {
	return p != nil && (p.guilds != nil || p.channels != nil)
}

// Snapshot returns the allow-lists; a nil slice means unrestricted.
func (p *Policy) Snapshot() (guilds, channels []string) {
	if p == nil {
		return nil, nil
	}
	return keys(p.guilds), keys(p.channels)
}

func keys(set map[string]struct{}) []string {
	if set == nil {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Denial describes a resource rejected by the Policy. It is a decision
// outcome, not an upstream failure.
type Denial struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

func (d *Denial) String() string {
	return fmt.Sprintf("access to %s %s is not allowed", d.ResourceType, d.ResourceID)
}
