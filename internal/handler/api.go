package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"discord-adapter/internal/discord"
	"discord-adapter/internal/messaging"
	"discord-adapter/internal/middleware"
	"discord-adapter/internal/moderation"
	"discord-adapter/internal/validation"

	"github.com/rs/zerolog"
)

// Messenger is implemented by *messaging.Service.
type Messenger interface {
	ListGuilds(ctx context.Context) (messaging.Result, error)
	ListChannels(ctx context.Context, guildID string) (messaging.Result, error)
	ReadMessages(ctx context.Context, channelID string, q discord.MessageQuery) (messaging.Result, error)
	SendMessage(ctx context.Context, channelID, content, replyTo string) (messaging.Result, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) (messaging.Result, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) (messaging.Result, error)
	SendDM(ctx context.Context, userID, content string) (messaging.Result, error)
	ReadDMs(ctx context.Context, userID string, limit int) (messaging.Result, error)
	UserInfo(ctx context.Context, userID string) (messaging.Result, error)
}

// Moderator is implemented by *moderation.Moderator.
type Moderator interface {
	PerformAction(ctx context.Context, action moderation.Action, guildID, targetUserID string, p moderation.Params) (moderation.Result, error)
}

// APIHandler serves the /v1 JSON surface over the messaging and moderation
// services.
type APIHandler struct {
	msg       Messenger
	mod       Moderator
	validator *validation.Validator
	logger    zerolog.Logger
}

func NewAPIHandler(msg Messenger, mod Moderator, logger zerolog.Logger) *APIHandler {
	return &APIHandler{msg: msg, mod: mod, validator: validation.New(), logger: logger}
}

// Register mounts the routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/guilds", h.listGuilds)
	mux.HandleFunc("GET /v1/guilds/{guildID}/channels", h.listChannels)
	mux.HandleFunc("GET /v1/channels/{channelID}/messages", h.readMessages)
	mux.HandleFunc("POST /v1/channels/{channelID}/messages", h.sendMessage)
	mux.HandleFunc("PATCH /v1/channels/{channelID}/messages/{messageID}", h.editMessage)
	mux.HandleFunc("DELETE /v1/channels/{channelID}/messages/{messageID}", h.deleteMessage)
	mux.HandleFunc("GET /v1/users/{userID}", h.userInfo)
	mux.HandleFunc("GET /v1/users/{userID}/dms", h.readDMs)
	mux.HandleFunc("POST /v1/users/{userID}/dms", h.sendDM)
	mux.HandleFunc("POST /v1/moderation/guilds/{guildID}/members/{userID}/{action}", h.moderate)
}

type contentRequest struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

func (h *APIHandler) listGuilds(w http.ResponseWriter, r *http.Request) {
	res, err := h.msg.ListGuilds(r.Context())
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) listChannels(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "guildID")
	if !ok {
		return
	}
	res, err := h.msg.ListChannels(r.Context(), ids[0])
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) readMessages(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "channelID")
	if !ok {
		return
	}
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	q := discord.MessageQuery{
		Limit:  limit,
		Before: r.URL.Query().Get("before"),
		After:  r.URL.Query().Get("after"),
		Around: r.URL.Query().Get("around"),
	}
	for field, cursor := range map[string]string{"before": q.Before, "after": q.After, "around": q.Around} {
		if cursor == "" {
			continue
		}
		if err := h.validator.ID(field, cursor); err != nil {
			writeInvalid(w, err)
			return
		}
	}
	res, err := h.msg.ReadMessages(r.Context(), ids[0], q)
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "channelID")
	if !ok {
		return
	}
	var body contentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ReplyTo != "" {
		if err := h.validator.ID("reply_to", body.ReplyTo); err != nil {
			writeInvalid(w, err)
			return
		}
	}
	res, err := h.msg.SendMessage(r.Context(), ids[0], body.Content, body.ReplyTo)
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) editMessage(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "channelID", "messageID")
	if !ok {
		return
	}
	var body contentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := h.msg.EditMessage(r.Context(), ids[0], ids[1], body.Content)
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "channelID", "messageID")
	if !ok {
		return
	}
	res, err := h.msg.DeleteMessage(r.Context(), ids[0], ids[1])
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) userInfo(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "userID")
	if !ok {
		return
	}
	res, err := h.msg.UserInfo(r.Context(), ids[0])
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) readDMs(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "userID")
	if !ok {
		return
	}
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	res, err := h.msg.ReadDMs(r.Context(), ids[0], limit)
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) sendDM(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "userID")
	if !ok {
		return
	}
	var body contentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := h.msg.SendDM(r.Context(), ids[0], body.Content)
	h.writeMessaging(w, r, res, err)
}

func (h *APIHandler) moderate(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.pathIDs(w, r, "guildID", "userID")
	if !ok {
		return
	}
	action := moderation.Action(r.PathValue("action"))
	switch action {
	case moderation.ActionTimeout, moderation.ActionUntimeout, moderation.ActionKick, moderation.ActionBan:
	default:
		writeError(w, http.StatusNotFound, "unknown_action", "unknown moderation action "+strconv.Quote(string(action)))
		return
	}
	var p moderation.Params
	if r.ContentLength != 0 && !decodeBody(w, r, &p) {
		return
	}
	p.Reason = attribute(r, p.Reason)

	res, err := h.mod.PerformAction(r.Context(), action, ids[0], ids[1], p)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, moderationStatus(res.Outcome), res)
}

// attribute tags a reason with the calling identity when the result still
// fits the audit-log limit. An oversized reason is left as is for validation
// to reject.
func attribute(r *http.Request, reason string) string {
	if reason == "" {
		return reason
	}
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok || caller.ID == "" {
		return reason
	}
	tagged := reason + " (by " + caller.ID + ")"
	if utf8.RuneCountInString(tagged) > validation.ReasonMaxLength {
		return reason
	}
	return tagged
}

// pathIDs validates the named path values as snowflakes.
func (h *APIHandler) pathIDs(w http.ResponseWriter, r *http.Request, names ...string) ([]string, bool) {
	out := make([]string, len(names))
	for i, name := range names {
		id := r.PathValue(name)
		if err := h.validator.ID(name, id); err != nil {
			writeInvalid(w, err)
			return nil, false
		}
		out[i] = id
	}
	return out, true
}

func (h *APIHandler) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeInvalid(w, &validation.Error{Field: name, Reason: "must be an integer"})
		return 0, false
	}
	return n, true
}

func (h *APIHandler) writeMessaging(w http.ResponseWriter, r *http.Request, res messaging.Result, err error) {
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, messagingStatus(res.Outcome), res)
}

// writeFailure maps errors that left the outcome undetermined.
func (h *APIHandler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	var apiErr *discord.APIError
	var authErr *moderation.AuthorizationError
	switch {
	case errors.Is(err, context.Canceled):
		status, code = 499, "client_closed_request"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "upstream_timeout"
	case errors.As(err, &apiErr):
		switch apiErr.Kind {
		case discord.KindCircuitOpen:
			status, code = http.StatusServiceUnavailable, "upstream_unavailable"
		case discord.KindRateLimited:
			status, code = http.StatusServiceUnavailable, "upstream_rate_limited"
			if apiErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds()+0.999)))
			}
		default:
			status, code = http.StatusBadGateway, "upstream_error"
		}
	case errors.As(err, &authErr):
		status, code = http.StatusBadGateway, "authorization_undetermined"
	}
	h.logger.Error().Err(err).Str("request_id", middleware.RequestIDFrom(r)).
		Int("status", status).Msg("request failed")
	writeError(w, status, code, err.Error())
}

func messagingStatus(o messaging.Outcome) int {
	switch o {
	case messaging.OutcomeSuccess:
		return http.StatusOK
	case messaging.OutcomeInvalidInput:
		return http.StatusBadRequest
	case messaging.OutcomePermissionDenied, messaging.OutcomeNotAuthor:
		return http.StatusForbidden
	case messaging.OutcomeNotFound:
		return http.StatusNotFound
	}
	return http.StatusOK
}

func moderationStatus(o moderation.Outcome) int {
	switch o {
	case moderation.OutcomeSuccess:
		return http.StatusOK
	case moderation.OutcomeInvalidInput:
		return http.StatusBadRequest
	case moderation.OutcomePermissionDenied, moderation.OutcomeGuildForbidden,
		moderation.OutcomeHierarchyDenied, moderation.OutcomeMissingPermission:
		return http.StatusForbidden
	case moderation.OutcomeGuildNotFound, moderation.OutcomeUserNotFound, moderation.OutcomeNotMember:
		return http.StatusNotFound
	case moderation.OutcomeAlreadyApplied, moderation.OutcomeAlreadyBanned, moderation.OutcomeNotTimedOut:
		return http.StatusConflict
	}
	return http.StatusOK
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return false
	}
	return true
}

func writeInvalid(w http.ResponseWriter, err error) {
	var vErr *validation.Error
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"outcome": "invalid_input", "invalid": vErr})
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
