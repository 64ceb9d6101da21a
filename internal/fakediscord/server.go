// Package fakediscord is an in-memory stand-in for the Discord REST endpoints
// the adapter consumes. It backs local runs (cmd/fakeupstream) and tests.
package fakediscord

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"discord-adapter/internal/discord"
)

// Discord JSON error codes used in replies.
const (
	codeUnknownChannel = 10003
	codeUnknownGuild   = 10004
	codeUnknownMember  = 10007
	codeUnknownMessage = 10008
	codeUnknownUser    = 10013
	codeUnknownBan     = 10026
	codeUnauthorized   = 0
	codeNotAuthor      = 50005
)

type guildState struct {
	guild   discord.Guild
	roles   []discord.Role
	members map[string]discord.Member
	bans    map[string]discord.Ban
}

type failure struct {
	status  int
	message string
}

// Server holds the fake upstream state. It is safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	botID    string
	users    map[string]discord.User
	guilds   map[string]*guildState
	channels map[string]discord.Channel
	messages map[string][]discord.Message
	dms      map[string]string
	failures map[string]failure
	requests []string
	nextID   int64
	now      func() time.Time
}

// New creates a Server whose current user is bot.
func New(bot discord.User) *Server {
	bot.Bot = true
	s := &Server{
		botID:    bot.ID,
		users:    map[string]discord.User{bot.ID: bot},
		guilds:   make(map[string]*guildState),
		channels: make(map[string]discord.Channel),
		messages: make(map[string][]discord.Message),
		dms:      make(map[string]string),
		failures: make(map[string]failure),
		nextID:   900000000000000000,
		now:      time.Now,
	}
	return s
}

func (s *Server) AddUser(u discord.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddGuild registers g with roles. The bot is not a member until AddMember.
func (s *Server) AddGuild(g discord.Guild, roles ...discord.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[g.ID] = &guildState{
		guild:   g,
		roles:   roles,
		members: make(map[string]discord.Member),
		bans:    make(map[string]discord.Ban),
	}
}

// AddMember adds a known user to a known guild holding roleIDs.
func (s *Server) AddMember(guildID, userID string, roleIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guilds[guildID]
	u := s.users[userID]
	if roleIDs == nil {
		roleIDs = []string{}
	}
	g.members[userID] = discord.Member{User: &u, Roles: roleIDs}
}

// SetTimeout sets a member's communication_disabled_until.
func (s *Server) SetTimeout(guildID, userID string, until *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guilds[guildID]
	m := g.members[userID]
	m.CommunicationDisabledUntil = until
	g.members[userID] = m
}

// AddBan records an existing ban.
func (s *Server) AddBan(guildID, userID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[guildID].bans[userID] = discord.Ban{Reason: &reason, User: s.users[userID]}
}

func (s *Server) AddChannel(ch discord.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
}

// AddMessage appends msg to its channel's history.
func (s *Server) AddMessage(msg discord.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Author.ID != "" {
		if u, ok := s.users[msg.Author.ID]; ok {
			msg.Author = u
		}
	}
	s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], msg)
}

// Fail makes every request matching method and path answer status.
func (s *Server) Fail(method, path string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = failure{status: status, message: message}
}

// Member returns the stored member for assertions.
func (s *Server) Member(guildID, userID string) (discord.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return discord.Member{}, false
	}
	m, ok := g.members[userID]
	return m, ok
}

// Banned reports whether userID is banned from guildID.
func (s *Server) Banned(guildID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return false
	}
	_, ok = g.bans[userID]
	return ok
}

// Messages returns a copy of a channel's history, oldest first.
func (s *Server) Messages(channelID string) []discord.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]discord.Message(nil), s.messages[channelID]...)
}

// Requests returns every request seen as "METHOD /path".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Handler serves the fake API rooted at "/".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me", s.currentUser)
	mux.HandleFunc("GET /users/@me/guilds", s.currentUserGuilds)
	mux.HandleFunc("POST /users/@me/channels", s.createDM)
	mux.HandleFunc("GET /users/{user}", s.user)
	mux.HandleFunc("GET /guilds/{guild}", s.guild)
	mux.HandleFunc("GET /guilds/{guild}/channels", s.guildChannels)
	mux.HandleFunc("GET /guilds/{guild}/roles", s.guildRoles)
	mux.HandleFunc("GET /guilds/{guild}/members/{user}", s.member)
	mux.HandleFunc("PATCH /guilds/{guild}/members/{user}", s.editMember)
	mux.HandleFunc("DELETE /guilds/{guild}/members/{user}", s.kick)
	mux.HandleFunc("GET /guilds/{guild}/bans/{user}", s.ban)
	mux.HandleFunc("PUT /guilds/{guild}/bans/{user}", s.createBan)
	mux.HandleFunc("GET /channels/{channel}", s.channel)
	mux.HandleFunc("GET /channels/{channel}/messages", s.channelMessages)
	mux.HandleFunc("POST /channels/{channel}/messages", s.createMessage)
	mux.HandleFunc("GET /channels/{channel}/messages/{message}", s.message)
	mux.HandleFunc("PATCH /channels/{channel}/messages/{message}", s.editMessage)
	mux.HandleFunc("DELETE /channels/{channel}/messages/{message}", s.deleteMessage)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		f, failing := s.failures[r.Method+" "+r.URL.Path]
		s.mu.Unlock()

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bot ") {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "401: Unauthorized")
			return
		}
		if failing {
			writeError(w, f.status, 0, f.message)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, map[string]any{"message": message, "code": code})
}

func (s *Server) id() string {
	s.nextID++
	return strconv.FormatInt(s.nextID, 10)
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.users[s.botID])
}

func (s *Server) currentUserGuilds(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]discord.Guild, 0, len(s.guilds))
	for _, g := range s.guilds {
		out = append(out, g.guild)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) user(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("user")]
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownUser, "Unknown User")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// lookupGuild must be called with mu held.
func (s *Server) lookupGuild(w http.ResponseWriter, r *http.Request) (*guildState, bool) {
	g, ok := s.guilds[r.PathValue("guild")]
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownGuild, "Unknown Guild")
	}
	return g, ok
}

func (s *Server) guild(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.lookupGuild(w, r); ok {
		writeJSON(w, http.StatusOK, g.guild)
	}
}

func (s *Server) guildChannels(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.lookupGuild(w, r)
	if !ok {
		return
	}
	out := []discord.Channel{}
	for _, ch := range s.channels {
		if ch.GuildID == g.guild.ID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) guildRoles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.lookupGuild(w, r); ok {
		writeJSON(w, http.StatusOK, g.roles)
	}
}

func (s *Server) member(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.lookupGuild(w, r)
	if !ok {
		return
	}
	m, ok := g.members[r.PathValue("user")]
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownMember, "Unknown Member")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) editMember(w http.ResponseWriter, r *http.Request) {
	var body map[string]*string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, 50035, "Invalid Form Body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.lookupGuild(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("user")
	m, ok := g.members[userID]
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownMember, "Unknown Member")
		return
	}
	if v, present := body["communication_disabled_until"]; present {
		if v == nil {
			m.CommunicationDisabledUntil = nil
		} else {
			until, err := time.Parse(time.RFC3339, *v)
			if err != nil {
				writeError(w, http.StatusBadRequest, 50035, "Invalid Form Body")
				return
			}
			m.CommunicationDisabledUntil = &until
		}
	}
	if v, present := body["nick"]; present {
		m.Nick = v
	}
	g.members[userID] = m
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) kick(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.lookupGuild(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("user")
	if _, ok := g.members[userID]; !ok {
		writeError(w, http.StatusNotFound, codeUnknownMember, "Unknown Member")
		return
	}
	delete(g.members, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ban(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.lookupGuild(w, r)
	if !ok {
		return
	}
	b, ok := g.bans[r.PathValue("user")]
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownBan, "Unknown Ban")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) createBan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.lookupGuild(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("user")
	u, ok := s.users[userID]
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownUser, "Unknown User")
		return
	}
	b := discord.Ban{User: u}
	if reason := r.Header.Get("X-Audit-Log-Reason"); reason != "" {
		b.Reason = &reason
	}
	g.bans[userID] = b
	delete(g.members, userID)
	w.WriteHeader(http.StatusNoContent)
}

// lookupChannel must be called with mu held.
func (s *Server) lookupChannel(w http.ResponseWriter, r *http.Request) (discord.Channel, bool) {
	ch, ok := s.channels[r.PathValue("channel")]
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownChannel, "Unknown Channel")
	}
	return ch, ok
}

func (s *Server) channel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.lookupChannel(w, r); ok {
		writeJSON(w, http.StatusOK, ch)
	}
}

func (s *Server) channelMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	history := s.messages[ch.ID]
	out := []discord.Message{}
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var body discord.MessageCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, 50035, "Invalid Form Body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}
	if body.Content == "" && len(body.Embeds) == 0 {
		writeError(w, http.StatusBadRequest, 50006, "Cannot send an empty message")
		return
	}
	msg := discord.Message{
		ID:               s.id(),
		ChannelID:        ch.ID,
		Author:           s.users[s.botID],
		Content:          body.Content,
		Timestamp:        s.now().UTC(),
		Embeds:           body.Embeds,
		MessageReference: body.MessageReference,
	}
	s.messages[ch.ID] = append(s.messages[ch.ID], msg)
	writeJSON(w, http.StatusOK, msg)
}

// findMessage must be called with mu held.
func (s *Server) findMessage(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return 0, false
	}
	id := r.PathValue("message")
	for i, m := range s.messages[ch.ID] {
		if m.ID == id {
			return i, true
		}
	}
	writeError(w, http.StatusNotFound, codeUnknownMessage, "Unknown Message")
	return 0, false
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.findMessage(w, r); ok {
		writeJSON(w, http.StatusOK, s.messages[r.PathValue("channel")][i])
	}
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, 50035, "Invalid Form Body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findMessage(w, r)
	if !ok {
		return
	}
	history := s.messages[r.PathValue("channel")]
	if history[i].Author.ID != s.botID {
		writeError(w, http.StatusForbidden, codeNotAuthor, "Cannot edit a message authored by another user")
		return
	}
	edited := s.now().UTC()
	history[i].Content = body.Content
	history[i].EditedTimestamp = &edited
	writeJSON(w, http.StatusOK, history[i])
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findMessage(w, r)
	if !ok {
		return
	}
	channelID := r.PathValue("channel")
	history := s.messages[channelID]
	s.messages[channelID] = append(history[:i:i], history[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createDM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, 50035, "Invalid Form Body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[body.RecipientID]
	if !ok {
		writeError(w, http.StatusBadRequest, 50035, "Invalid Recipient(s)")
		return
	}
	id, ok := s.dms[u.ID]
	if !ok {
		id = s.id()
		s.dms[u.ID] = id
		s.channels[id] = discord.Channel{ID: id, Type: discord.ChannelTypeDM, Recipients: []discord.User{u}}
	}
	writeJSON(w, http.StatusOK, s.channels[id])
}
