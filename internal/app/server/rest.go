package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/louisbranch/parley/internal/auth"
	"github.com/louisbranch/parley/internal/chat/dispatch"
	"github.com/louisbranch/parley/internal/chat/notify"
	perrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/storage"
)

// restHandler serves the HTTP API. Every route requires a bearer token;
// chat-scoped routes go through the dispatcher so socket and REST callers
// share one authorization path.
type restHandler struct {
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	verifier   *auth.Verifier
}

type createChatRequest struct {
	Name           string   `json:"name"`
	Type           string   `json:"type,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

type chatResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
}

type messagesResponse struct {
	Messages []notify.MessagePayload `json:"messages"`
}

type personalChatIDResponse struct {
	ChatID string `json:"chatId"`
}

type markReadResponse struct {
	ReadMessageIDs []string `json:"readMessageIds"`
}

type participantRequest struct {
	UserID string `json:"userId"`
}

type postMessageRequest struct {
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

func (h *restHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.verifier == nil {
		http.Error(w, "authentication is not configured", http.StatusServiceUnavailable)
		return "", false
	}
	token := auth.BearerToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (h *restHandler) handleChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.createChat(w, r, userID)
	case http.MethodGet:
		h.listChats(w, r, userID)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *restHandler) createChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	chat, err := h.dispatcher.CreateChat(r.Context(), req.Name, storage.ChatType(req.Type), userID, req.ParticipantIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatResponse(chat))
}

func (h *restHandler) listChats(w http.ResponseWriter, r *http.Request, userID string) {
	chats, err := h.store.ListChatsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]chatResponse, 0, len(chats))
	for _, chat := range chats {
		out = append(out, toChatResponse(chat))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *restHandler) handleChatSubtree(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/chats/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	chatID := segments[0]
	if chatID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case segments[0] == "personal" && len(segments) == 3 && segments[2] == "id":
		h.getPersonalChatID(w, r, segments[1], userID)
	case len(segments) == 1:
		h.getChat(w, r, chatID, userID)
	case len(segments) == 2 && segments[1] == "messages":
		h.handleMessages(w, r, chatID, userID)
	case len(segments) == 2 && segments[1] == "read":
		h.markRead(w, r, chatID, userID)
	case len(segments) == 2 && segments[1] == "participants":
		h.handleParticipants(w, r, chatID, userID)
	default:
		http.NotFound(w, r)
	}
}

// getPersonalChatID resolves the caller's personal chat with another user.
func (h *restHandler) getPersonalChatID(w http.ResponseWriter, r *http.Request, otherID, userID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID, err := h.dispatcher.PersonalChatID(r.Context(), userID, otherID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, personalChatIDResponse{ChatID: chatID})
}

func (h *restHandler) getChat(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(chat))
}

func (h *restHandler) handleMessages(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	switch r.Method {
	case http.MethodGet:
		h.getMessages(w, r, chatID, userID)
	case http.MethodPost:
		h.postMessage(w, r, chatID, userID)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// getMessages returns one page of history newest-first. Fetching stamps
// delivery for the caller, same as the socket history request.
func (h *restHandler) getMessages(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	query := r.URL.Query()
	offset := intQueryParam(query.Get("offset"), 0)
	limit := intQueryParam(query.Get("limit"), 0)
	before := strings.TrimSpace(query.Get("before"))

	messages, err := h.dispatcher.LoadHistory(r.Context(), chatID, userID, offset, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]notify.MessagePayload, 0, len(messages))
	for _, msg := range messages {
		out = append(out, notify.MessagePayload{
			ID:        msg.ID,
			ChatID:    msg.ChatID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			Type:      string(msg.Type),
			ReplyToID: msg.ReplyToID,
			SentAt:    msg.SentAt.UTC().UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: out})
}

// postMessage dispatches a message over HTTP. Subscribed participants still
// receive it on the chat topic, same as a socket send.
func (h *restHandler) postMessage(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(req.Content) > maxMessageContentRunes {
		http.Error(w, "content must be at most 2000 characters", http.StatusBadRequest)
		return
	}

	msg, err := h.dispatcher.SendMessage(r.Context(), chatID, userID, req.Content, storage.MessageType(req.Type), req.ReplyToID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, notify.MessagePayload{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      string(msg.Type),
		ReplyToID: msg.ReplyToID,
		SentAt:    msg.SentAt.UTC().UnixMilli(),
	})
}

func (h *restHandler) markRead(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stamped, err := h.dispatcher.MarkRead(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if stamped == nil {
		stamped = []string{}
	}
	writeJSON(w, http.StatusOK, markReadResponse{ReadMessageIDs: stamped})
}

func (h *restHandler) handleParticipants(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	switch r.Method {
	case http.MethodPost:
		h.addParticipant(w, r, chatID, userID)
	case http.MethodDelete:
		h.removeParticipant(w, r, chatID, userID)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *restHandler) addParticipant(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	if !h.requireMember(w, r, chatID, userID) {
		return
	}

	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target := strings.TrimSpace(req.UserID)
	if target == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.AddParticipant(r.Context(), chatID, target); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// removeParticipant drops a member. Users can always remove themselves;
// removing someone else requires membership too, which the first check
// already established.
func (h *restHandler) removeParticipant(w http.ResponseWriter, r *http.Request, chatID, userID string) {
	target := strings.TrimSpace(r.URL.Query().Get("userId"))
	if target == "" {
		target = userID
	}
	if target != userID && !h.requireMember(w, r, chatID, userID) {
		return
	}

	if err := h.dispatcher.RemoveParticipant(r.Context(), chatID, target); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireMember writes the failure response itself when the caller is not
// an active participant.
func (h *restHandler) requireMember(w http.ResponseWriter, r *http.Request, chatID, userID string) bool {
	active, err := h.store.IsActiveParticipant(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !active {
		writeError(w, perrors.New(perrors.CodeAccessDenied, "access denied: not an active participant"))
		return false
	}
	return true
}

func toChatResponse(chat storage.ChatRecord) chatResponse {
	return chatResponse{
		ID:        chat.ID,
		Name:      chat.Name,
		Type:      string(chat.Type),
		CreatedBy: chat.CreatedBy,
		CreatedAt: chat.CreatedAt.UTC().UnixMilli(),
	}
}

func intQueryParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func writeError(w http.ResponseWriter, err error) {
	var perr *perrors.Error
	if errors.As(err, &perr) {
		writeJSON(w, perr.HTTPStatus(), map[string]any{
			"error": map[string]string{
				"code":    string(perr.Code),
				"message": perr.Message,
			},
		})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log.Printf("chat: request failed: %v", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("chat: encode response: %v", err)
	}
}
