// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/jeranaias/kot-relay/internal/cloud"
	"github.com/jeranaias/kot-relay/internal/export"
	"github.com/jeranaias/kot-relay/internal/model"
	"github.com/jeranaias/kot-relay/internal/storage"
	"github.com/jeranaias/kot-relay/internal/uploads"
)

// ============================================================================
// TRANSCRIPT
// ============================================================================

// handleChatHistory handles GET /api/chat-history.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	msgs := s.deps.History.GetAll()
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, model.PublicMessages(msgs))
}

// ============================================================================
// SAVED SESSIONS
// ============================================================================

type savedChatsResponse struct {
	Status string                `json:"status"`
	Chats  []storage.SessionMeta `json:"chats"`
}

type chatResponse struct {
	Status string                `json:"status"`
	Chat   *storage.SavedSession `json:"chat,omitempty"`
}

// SaveChatRequest is the body of POST /api/save-chat.
type SaveChatRequest struct {
	ChatID   string          `json:"chatId"`
	Name     string          `json:"name"`
	Messages []model.Message `json:"messages"`
}

// RenameChatRequest is the body of PUT /api/rename-chat/{chatId}.
type RenameChatRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSavedChats(w http.ResponseWriter, r *http.Request) {
	chats := s.deps.Sessions.List()
	if chats == nil {
		chats = []storage.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, savedChatsResponse{Status: "success", Chats: chats})
}

func (s *Server) handleSaveChat(w http.ResponseWriter, r *http.Request) {
	var req SaveChatRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		writeError(w, http.StatusBadRequest, "Chat ID is required")
		return
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Message %d has an invalid role %q", i, m.Role))
			return
		}
	}

	sess, err := s.deps.Sessions.Save(req.ChatID, req.Name, req.Messages)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Status: "success", Chat: sess})
}

func (s *Server) handleLoadChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Load(r.PathValue("chatId"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Status: "success", Chat: sess})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(r.PathValue("chatId")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Status: "success"})
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "New chat name is required")
		return
	}

	sess, err := s.deps.Sessions.Rename(r.PathValue("chatId"), req.Name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Status: "success", Chat: sess})
}

// handleExportChat handles GET /api/export-chat/{chatId}?format=markdown|html|json.
func (s *Server) handleExportChat(w http.ResponseWriter, r *http.Request) {
	exporter, err := export.ForFormat(r.URL.Query().Get("format"), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.deps.Sessions.Load(r.PathValue("chatId"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	body, err := exporter.Export(sess)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", exporter.MimeType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": export.Filename(sess, exporter),
	}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Chat not found")
	case errors.Is(err, storage.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("SESSION_ERROR | error=%v", err)
		writeError(w, http.StatusInternalServerError, "Failed to access saved chats")
	}
}

// ============================================================================
// MODELS
// ============================================================================

type modelsResponse struct {
	Status string            `json:"status"`
	Models []cloud.ModelInfo `json:"models"`
}

// handleModels handles GET /api/models and GET /api/check-openrouter.
// It always succeeds; the lister falls back to the default model.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), modelsTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, modelsResponse{
		Status: "success",
		Models: s.deps.Models.ListModels(ctx),
	})
}

// ============================================================================
// FILES
// ============================================================================

type checkFileResponse struct {
	Status string `json:"status"`
	Exists bool   `json:"exists"`
}

type uploadResponse struct {
	Status string             `json:"status"`
	Files  []model.Attachment `json:"files"`
}

func (s *Server) handleCheckFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "File path is required")
		return
	}

	exists, err := s.deps.Uploads.Exists(p)
	if err != nil {
		writeFileError(w, p, err)
		return
	}
	writeJSON(w, http.StatusOK, checkFileResponse{Status: "success", Exists: exists})
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "File path is required")
		return
	}

	text, err := s.deps.Uploads.ReadText(p)
	if err != nil {
		writeFileError(w, p, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	store := s.deps.Uploads
	limit := store.MaxFileSize*int64(max(store.MaxFiles, 1)) + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files, err := store.SaveAll(r.MultipartForm.File["files"])
	if err != nil {
		writeFileError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Status: "success", Files: files})
}

// handleUploadedFile serves GET /uploads/... from the upload directory.
func (s *Server) handleUploadedFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, uploads.URLPrefix)
	full, err := s.deps.Uploads.Resolve(rel)
	if err != nil {
		writeFileError(w, rel, err)
		return
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	http.ServeFile(w, r, full)
}

func writeFileError(w http.ResponseWriter, p string, err error) {
	switch {
	case errors.Is(err, uploads.ErrPathTraversal):
		log.Printf("PATH_REJECTED | path=%q", p)
		writeError(w, http.StatusForbidden, "Invalid file path")
	case errors.Is(err, uploads.ErrNotFound):
		writeError(w, http.StatusNotFound, "File not found")
	case errors.Is(err, uploads.ErrNotTextFile):
		writeError(w, http.StatusBadRequest, "File is not a text file")
	case errors.Is(err, uploads.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, uploads.ErrUnsupportedType),
		errors.Is(err, uploads.ErrTooManyFiles),
		errors.Is(err, uploads.ErrNoFiles):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("FILE_ERROR | path=%q error=%v", p, err)
		writeError(w, http.StatusInternalServerError, "File operation failed")
	}
}

// handleAPINotFound answers unknown /api/ paths.
func (s *Server) handleAPINotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "API endpoint not found")
}
