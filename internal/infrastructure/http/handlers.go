package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/usecases"
)

// maxJSONBody bounds request bodies other than uploads.
const maxJSONBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return &usecases.Error{Code: usecases.CodeValidation, Message: "request body is required"}
		}
		return &usecases.Error{Code: usecases.CodeValidation, Message: "malformed JSON body", Err: err}
	}
	return nil
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) error {
	convs, err := s.deps.Conversations.List(r.Context(), principal(r))
	if err != nil {
		return err
	}
	out := make([]conversationView, len(convs))
	for i := range convs {
		out[i] = newConversationView(&convs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
	return nil
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Title    string `json:"title"`
		GroupID  string `json:"group_id"`
		SafeMode bool   `json:"safe_mode"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	conv, err := s.deps.Conversations.Create(r.Context(), principal(r), usecases.CreateConversationInput{
		Title:    req.Title,
		GroupID:  req.GroupID,
		SafeMode: req.SafeMode,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, newConversationView(conv))
	return nil
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) error {
	conv, err := s.deps.Conversations.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newConversationView(conv))
	return nil
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Archived *bool `json:"archived"`
		SafeMode *bool `json:"safe_mode"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	ctx, p, id := r.Context(), principal(r), r.PathValue("id")
	if req.Archived != nil {
		if err := s.deps.Conversations.SetArchived(ctx, p, id, *req.Archived); err != nil {
			return err
		}
	}
	if req.SafeMode != nil {
		if err := s.deps.Conversations.SetSafeMode(ctx, p, id, *req.SafeMode); err != nil {
			return err
		}
	}
	return s.handleGetConversation(w, r)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if s.deps.Exchanges.Busy(id) {
		return &usecases.Error{Code: usecases.CodeConflict, Message: "a response is still being generated in this conversation"}
	}
	if err := s.deps.Files.DeleteConversation(r.Context(), principal(r).UserID, id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) error {
	msgs, err := s.deps.Conversations.Messages(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		return err
	}
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = newMessageView(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	return nil
}

type sendMessageRequest struct {
	Content       string             `json:"content"`
	FileIDs       []string           `json:"file_ids"`
	Model         *entities.ModelRef `json:"model"`
	EditMessageID string             `json:"edit_message_id"`
}

// handleSendMessage runs one exchange. Failures before the stream opens use
// the JSON envelope; after that everything is reported as events.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Model != nil && req.Model.Name == "" {
		req.Model = nil
	}

	ex, err := s.deps.Exchanges.Prepare(r.Context(), usecases.ExchangeRequest{
		Principal:      principal(r),
		ConversationID: r.PathValue("id"),
		Content:        req.Content,
		FileIDs:        req.FileIDs,
		Model:          req.Model,
		EditMessageID:  req.EditMessageID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer ex.Release()

	// The exchange has its own timeout; lift the server's write deadline.
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sink, err := newSSESink(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sink.close()

	res, _ := s.deps.Exchanges.Run(r.Context(), ex, sink)
	s.logger.Debug("exchange finished", "conversation", r.PathValue("id"), "state", res.State, "message", res.AssistantMessageID)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if _, err := s.deps.Conversations.Get(r.Context(), principal(r), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.deps.Exchanges.Abort(id)})
	return nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if _, err := s.deps.Conversations.Get(r.Context(), principal(r), id); err != nil {
		return err
	}
	files, err := s.deps.Files.ConversationFiles(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": newFileViews(files)})
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) error {
	limit := s.deps.Files.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return &usecases.Error{Code: usecases.CodeTooLarge, Message: fmt.Sprintf("file exceeds the %d byte limit", limit)}
		}
		return &usecases.Error{Code: usecases.CodeValidation, Message: "expected a multipart form", Err: err}
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return &usecases.Error{Code: usecases.CodeValidation, Message: "missing file field"}
	}
	defer file.Close()

	// Reject by name and declared size before reading the body.
	if err := s.deps.Files.Validate(header.Filename, header.Size); err != nil {
		return err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("reading upload: %w", err)
	}

	res, err := s.deps.Files.Upload(r.Context(), usecases.UploadInput{
		OwnerID:        principal(r).UserID,
		ConversationID: r.PathValue("id"),
		Filename:       header.Filename,
		MimeType:       header.Header.Get("Content-Type"),
		Data:           data,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"file": newFileView(res.File), "deduplicated": res.Deduplicated})
	return nil
}

func (s *Server) handleUnlinkFile(w http.ResponseWriter, r *http.Request) error {
	err := s.deps.Files.UnlinkFromConversation(r.Context(), principal(r).UserID, r.PathValue("id"), r.PathValue("fileId"))
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) error {
	f, err := s.deps.Files.GetFile(r.Context(), principal(r).UserID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newFileView(f))
	return nil
}

// handleWaitFile blocks until the file leaves pending or ?timeout= elapses.
func (s *Server) handleWaitFile(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if _, err := s.deps.Files.GetFile(r.Context(), principal(r).UserID, id); err != nil {
		return err
	}

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return &usecases.Error{Code: usecases.CodeValidation, Message: "timeout must be a positive duration such as 10s"}
		}
		timeout = d
	}
	if timeout > s.opts.WaitTimeout {
		timeout = s.opts.WaitTimeout
	}
	http.NewResponseController(w).SetWriteDeadline(time.Now().Add(timeout + 10*time.Second))

	files, err := s.deps.Files.WaitForExtraction(r.Context(), []string{id}, timeout, time.Second)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return &usecases.Error{Code: usecases.CodeNotFound, Message: "file not found"}
	}
	writeJSON(w, http.StatusOK, newFileView(&files[0]))
	return nil
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Name     string `json:"name"`
		Guidance string `json:"guidance"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	g, err := s.deps.Conversations.CreateGroup(r.Context(), principal(r), req.Name, req.Guidance)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, groupView{ID: g.ID, Name: g.Name, Guidance: g.Guidance})
	return nil
}
