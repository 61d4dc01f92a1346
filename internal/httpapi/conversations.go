package httpapi

import (
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/apperr"
	"github.com/ent0n29/sesame/internal/store"
)

const (
	defaultConversationTitle = "New conversation"
	seedAssistantSpeaker     = "assistant"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := positiveInt(q.Get("page"), 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "Page must be greater than 0")
		return
	}
	perPage, err := positiveInt(q.Get("per_page"), 10)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "Per page must be greater than 0")
		return
	}

	if id := strings.TrimSpace(q.Get("q")); id != "" {
		c, err := s.store.GetConversation(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, []store.Conversation{c})
		return
	}

	archived := false
	if v := q.Get("archived"); v != "" {
		archived, err = strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "archived must be a boolean")
			return
		}
	}
	convs, total, err := s.store.ListConversations(r.Context(), store.ConversationFilter{
		Archived: &archived,
		Limit:    perPage,
		Offset:   (page - 1) * perPage,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	if convs == nil {
		convs = []store.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
}

// handleCreateConversation creates a conversation and seeds it with the
// configured default context.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultConversationTitle
	}
	c, err := s.store.CreateConversation(r.Context(), store.Conversation{Title: title, CreatedBy: req.CreatedBy})
	if err != nil {
		respondErr(w, err)
		return
	}
	for _, seed := range s.cfg.Bot.DefaultLLMContext {
		if _, err := s.store.InsertMessage(r.Context(), store.Message{
			ConversationID: c.ID,
			Body:           seed.Content,
			SpeakerID:      seedSpeaker(seed.Role, req.CreatedBy),
			ContentType:    store.ContentTypeText,
		}); err != nil {
			s.logger.Warn("seeding conversation failed", zap.String("conversation_id", c.ID), zap.Error(err))
			break
		}
	}
	if len(s.cfg.Bot.DefaultLLMContext) > 0 {
		if fresh, err := s.store.GetConversation(r.Context(), c.ID); err == nil {
			c = fresh
		}
	}
	respondJSON(w, http.StatusCreated, c)
}

// seedSpeaker attributes seeded user turns to the creator so the loader
// reads them back as user turns.
func seedSpeaker(role, createdBy string) string {
	if strings.EqualFold(strings.TrimSpace(role), "user") {
		return createdBy
	}
	return seedAssistantSpeaker
}

type updateConversationRequest struct {
	Title    *string `json:"title"`
	Archived *bool   `json:"archived"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req updateConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
		return
	}
	c, err := s.store.UpdateConversation(r.Context(), chi.URLParam(r, "id"), store.ConversationUpdate{
		Title:    req.Title,
		Archived: req.Archived,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"detail": "Conversation deleted successfully"})
}

// handleGetMessages returns the conversation with its messages. Legacy
// encrypted bodies are decrypted for display.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	for i := range msgs {
		if msgs[i].ContentType != store.ContentTypeMultipart {
			msgs[i].Body = s.decrypter.Decrypt(msgs[i].Body)
		}
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation": c, "messages": msgs})
}

type createMessageRequest struct {
	Content     string `json:"content"`
	UserID      string `json:"user_id"`
	ContentType string `json:"content_type"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid message body")
		return
	}
	switch req.ContentType {
	case "":
		req.ContentType = store.ContentTypeText
	case store.ContentTypeText, store.ContentTypeMultipart:
	default:
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "content_type must be text or multipart")
		return
	}
	m, err := s.store.InsertMessage(r.Context(), store.Message{
		ConversationID: chi.URLParam(r, "id"),
		Body:           req.Content,
		SpeakerID:      req.UserID,
		ContentType:    req.ContentType,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// handleUpload stores a multipart file upload as a base64 attachment.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.MaxAttachmentBytes)
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "File is over 20MB")
			return
		}
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		respondError(w, http.StatusInternalServerError, string(apperr.KindInternal), err.Error())
		return
	}
	if int64(len(data)) > limit {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "File is over 20MB")
		return
	}

	fileType := header.Header.Get("Content-Type")
	if fileType == "" || fileType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(filepath.Ext(header.Filename)); guessed != "" {
			fileType = guessed
		}
	}
	a, err := s.store.InsertAttachment(r.Context(), store.Attachment{
		FileData: base64.StdEncoding.EncodeToString(data),
		FileType: fileType,
		FileName: header.Filename,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func positiveInt(v string, fallback int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}
