package http

import (
	"time"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
)

type conversationView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Archived      bool      `json:"archived"`
	GroupID       string    `json:"group_id,omitempty"`
	SafeMode      bool      `json:"safe_mode"`
	PinnedModelID string    `json:"pinned_model_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newConversationView(c *entities.Conversation) conversationView {
	return conversationView{
		ID:            c.ID,
		Title:         c.Title,
		Archived:      c.Archived,
		GroupID:       c.GroupID,
		SafeMode:      c.SafeMode,
		PinnedModelID: c.PinnedModelID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

type messageView struct {
	ID             string               `json:"id"`
	Role           entities.Role        `json:"role"`
	Content        string               `json:"content"`
	ModelID        string               `json:"model_id,omitempty"`
	Status         string               `json:"status,omitempty"`
	Usage          *entities.UsageStats `json:"usage,omitempty"`
	Error          string               `json:"error,omitempty"`
	VersionGroupID string               `json:"version_group_id,omitempty"`
	VersionNumber  int                  `json:"version_number"`
	CreatedAt      time.Time            `json:"created_at"`
}

func newMessageView(m entities.Message) messageView {
	v := messageView{
		ID:             m.ID,
		Role:           m.Role,
		Content:        m.Content,
		ModelID:        m.ModelID,
		VersionGroupID: m.VersionGroupID,
		VersionNumber:  m.VersionNumber,
		CreatedAt:      m.CreatedAt,
	}
	if m.Outcome != nil {
		v.Status = m.Outcome.Status()
		switch o := m.Outcome.(type) {
		case entities.Completed:
			usage := o.Usage
			v.Usage = &usage
		case entities.Errored:
			v.Error = o.Detail
		}
	}
	return v
}

type fileView struct {
	ID               string                    `json:"id"`
	Filename         string                    `json:"filename"`
	MimeType         string                    `json:"mime_type"`
	Size             int64                     `json:"size"`
	ExtractionStatus entities.ExtractionStatus `json:"extraction_status"`
	HasText          bool                      `json:"has_text"`
	CreatedAt        time.Time                 `json:"created_at"`
}

func newFileView(f *entities.File) fileView {
	return fileView{
		ID:               f.ID,
		Filename:         f.Filename,
		MimeType:         f.MimeType,
		Size:             f.Size,
		ExtractionStatus: f.ExtractionStatus,
		HasText:          f.TextPreview != "",
		CreatedAt:        f.CreatedAt,
	}
}

func newFileViews(files []entities.File) []fileView {
	out := make([]fileView, len(files))
	for i := range files {
		out[i] = newFileView(&files[i])
	}
	return out
}

type groupView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Guidance string `json:"guidance"`
}

type modelView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Provider string `json:"provider"`
	Active   bool   `json:"active"`
}

func newModelView(m entities.ModelInfo) modelView {
	return modelView{ID: m.ID, Name: m.Name, Host: m.Host, Provider: m.Provider, Active: m.Active}
}
