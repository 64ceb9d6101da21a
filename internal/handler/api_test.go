package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"discord-adapter/internal/access"
	"discord-adapter/internal/discord"
	"discord-adapter/internal/fakediscord"
	"discord-adapter/internal/messaging"
	"discord-adapter/internal/middleware"
	"discord-adapter/internal/moderation"
	"discord-adapter/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	guildID   = "111111111111111111"
	otherID   = "222222222222222222"
	botID     = "100000000000000000"
	aliceID   = "200000000000000000"
	channelID = "500000000000000000"
)

func newAPI(t *testing.T, policy *access.Policy) (*httptest.Server, *fakediscord.Server) {
	t.Helper()
	up := fakediscord.New(discord.User{ID: botID, Username: "modbot"})
	up.AddUser(discord.User{ID: aliceID, Username: "alice"})
	up.AddGuild(discord.Guild{ID: guildID, Name: "Home"},
		discord.Role{ID: guildID, Name: "@everyone", Position: 0},
		discord.Role{ID: "1", Name: "Member", Position: 1},
		discord.Role{ID: "9", Name: "Bot", Position: 9},
	)
	up.AddGuild(discord.Guild{ID: otherID, Name: "Away"})
	up.AddMember(guildID, botID, "9")
	up.AddMember(guildID, aliceID, "1")
	up.AddChannel(discord.Channel{ID: channelID, GuildID: guildID, Name: "general"})

	upstream := httptest.NewServer(up.Handler())
	t.Cleanup(upstream.Close)
	client := discord.NewClient("test-token",
		discord.WithBaseURL(upstream.URL),
		discord.WithLimiter(service.NewTokenBucket(1000, 100)),
		discord.WithBackoff(func(int) time.Duration { return 0 }),
	)

	mux := http.NewServeMux()
	NewAPIHandler(
		messaging.NewService(client, policy, messaging.WithApplicationID(botID)),
		moderation.NewModerator(client, policy),
		zerolog.Nop(),
	).Register(mux)
	srv := httptest.NewServer(withTestCaller(mux))
	t.Cleanup(srv.Close)
	return srv, up
}

func withTestCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := middleware.Caller{ID: "ops", Role: "admin", Method: "test"}
		next.ServeHTTP(w, r.WithContext(middleware.WithCaller(r.Context(), c)))
	})
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAPI_ListGuildsFiltered(t *testing.T) {
	srv, _ := newAPI(t, access.NewPolicy([]string{guildID}, nil))

	status, body := do(t, srv, http.MethodGet, "/v1/guilds", "")
	require.Equal(t, http.StatusOK, status)
	guilds := body["guilds"].([]any)
	require.Len(t, guilds, 1)
	assert.Equal(t, guildID, guilds[0].(map[string]any)["id"])
}

func TestAPI_SendAndReadMessages(t *testing.T) {
	srv, up := newAPI(t, nil)

	status, body := do(t, srv, http.MethodPost, "/v1/channels/"+channelID+"/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["outcome"])
	require.Len(t, up.Messages(channelID), 1)

	status, body = do(t, srv, http.MethodGet, "/v1/channels/"+channelID+"/messages?limit=5", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["messages"], 1)
}

func TestAPI_InvalidInput(t *testing.T) {
	srv, up := newAPI(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		field  string
	}{
		{"short id", http.MethodGet, "/v1/guilds/123/channels", "", "guildID"},
		{"non numeric id", http.MethodGet, "/v1/users/abcdefabcdefabcdef", "", "userID"},
		{"bad limit", http.MethodGet, "/v1/channels/" + channelID + "/messages?limit=ten", "", "limit"},
		{"limit out of range", http.MethodGet, "/v1/channels/" + channelID + "/messages?limit=500", "", "limit"},
		{"empty content", http.MethodPost, "/v1/channels/" + channelID + "/messages", `{"content":"  "}`, "content"},
		{"bad reply id", http.MethodPost, "/v1/channels/" + channelID + "/messages", `{"content":"x","reply_to":"1"}`, "reply_to"},
		{"timeout range", http.MethodPost, "/v1/moderation/guilds/" + guildID + "/members/" + aliceID + "/timeout", `{"duration_minutes":0}`, "duration_minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "invalid_input", body["outcome"])
			assert.Equal(t, tt.field, body["invalid"].(map[string]any)["field"])
		})
	}
	assert.Empty(t, up.Messages(channelID))
}

func TestAPI_PermissionDenied(t *testing.T) {
	srv, up := newAPI(t, access.NewPolicy([]string{otherID}, nil))

	status, body := do(t, srv, http.MethodPost, "/v1/moderation/guilds/"+guildID+"/members/"+aliceID+"/kick", `{"reason":"x"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "permission_denied", body["outcome"])
	assert.Empty(t, up.Requests())
}

func TestAPI_ModerationTimeout(t *testing.T) {
	srv, up := newAPI(t, nil)

	status, body := do(t, srv, http.MethodPost, "/v1/moderation/guilds/"+guildID+"/members/"+aliceID+"/timeout",
		`{"duration_minutes":15,"reason":"cool off"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "success", body["outcome"])
	assert.Equal(t, "cool off (by ops)", body["reason"])
	assert.NotEmpty(t, body["expires_at"])

	m, ok := up.Member(guildID, aliceID)
	require.True(t, ok)
	assert.NotNil(t, m.CommunicationDisabledUntil)
}

func TestAPI_ModerationReasonLimit(t *testing.T) {
	srv, _ := newAPI(t, nil)
	path := "/v1/moderation/guilds/" + guildID + "/members/" + aliceID + "/timeout"

	// Attribution is skipped when it would push a valid reason past the limit.
	fits := strings.Repeat("r", 510)
	status, body := do(t, srv, http.MethodPost, path, `{"duration_minutes":5,"reason":"`+fits+`"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, fits, body["reason"])

	status, body = do(t, srv, http.MethodPost, path, `{"duration_minutes":5,"reason":"`+strings.Repeat("r", 513)+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", body["outcome"])
}

func TestAPI_ModerationOutcomesMapToStatus(t *testing.T) {
	srv, up := newAPI(t, nil)
	up.AddUser(discord.User{ID: "300000000000000000", Username: "banned"})
	up.AddBan(guildID, "300000000000000000", "old")
	up.AddUser(discord.User{ID: "400000000000000000", Username: "stranger"})

	status, body := do(t, srv, http.MethodPost, "/v1/moderation/guilds/"+guildID+"/members/300000000000000000/ban", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_banned", body["outcome"])

	status, body = do(t, srv, http.MethodPost, "/v1/moderation/guilds/"+guildID+"/members/400000000000000000/kick", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_member", body["outcome"])

	status, body = do(t, srv, http.MethodPost, "/v1/moderation/guilds/"+guildID+"/members/"+aliceID+"/untimeout", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_timed_out", body["outcome"])

	status, body = do(t, srv, http.MethodPost, "/v1/moderation/guilds/"+guildID+"/members/"+aliceID+"/mute", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_action", body["error"])
}

func TestAPI_UpstreamFailures(t *testing.T) {
	srv, up := newAPI(t, nil)
	up.Fail(http.MethodGet, "/users/@me/guilds", http.StatusInternalServerError, "boom")

	status, body := do(t, srv, http.MethodGet, "/v1/guilds", "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "upstream_error", body["error"])
}

type failingMessenger struct {
	Messenger
	err error
}

func (f failingMessenger) ListGuilds(context.Context) (messaging.Result, error) {
	return messaging.Result{}, f.err
}

func TestAPI_WriteFailureMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&discord.APIError{Kind: discord.KindCircuitOpen, Message: "open"}, http.StatusServiceUnavailable, "upstream_unavailable"},
		{&discord.APIError{Kind: discord.KindRateLimited, Message: "slow", StatusCode: 429, RetryAfter: 1500 * time.Millisecond}, http.StatusServiceUnavailable, "upstream_rate_limited"},
		{&discord.APIError{Kind: discord.KindNetwork, Message: "down"}, http.StatusBadGateway, "upstream_error"},
		{&moderation.AuthorizationError{GuildID: guildID, Step: "fetch guild roles", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "upstream_timeout"},
		{&moderation.AuthorizationError{GuildID: guildID, Step: "fetch guild roles", Err: &discord.APIError{Kind: discord.KindServer}}, http.StatusBadGateway, "upstream_error"},
		{context.Canceled, 499, "client_closed_request"},
	}
	for _, tt := range tests {
		mux := http.NewServeMux()
		NewAPIHandler(failingMessenger{err: tt.err}, nil, zerolog.Nop()).Register(mux)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/guilds", nil))

		assert.Equal(t, tt.status, rr.Code, tt.err.Error())
		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, tt.code, body["error"])
		if tt.code == "upstream_rate_limited" {
			assert.Equal(t, "2", rr.Header().Get("Retry-After"))
		}
	}
}
