package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// MaxTitleChars bounds user-supplied conversation and group names.
const MaxTitleChars = 200

// CreateConversationInput is the request to open a new conversation.
type CreateConversationInput struct {
	Title    string
	GroupID  string
	SafeMode bool
}

// ConversationService handles conversation and group management outside of
// exchanges.
type ConversationService struct {
	conversations ports.ConversationRepository
	versions      *VersionGroupManager
	safety        ports.SafetyRules
	logger        *log.Logger
}

// NewConversationService creates the service.
func NewConversationService(
	conversations ports.ConversationRepository,
	versions *VersionGroupManager,
	safety ports.SafetyRules,
	logger *log.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		versions:      versions,
		safety:        safety,
		logger:        logger.WithPrefix("conversations"),
	}
}

// Create opens a conversation. Teens and children always get safe mode.
// The current safety text is frozen into the row when safe mode is on.
func (s *ConversationService) Create(ctx context.Context, p entities.Principal, in CreateConversationInput) (*entities.Conversation, error) {
	title := strings.TrimSpace(in.Title)
	if len([]rune(title)) > MaxTitleChars {
		return nil, newError(CodeValidation, "title is too long")
	}
	if title == "" {
		title = entities.DefaultTitle
	}
	if in.GroupID != "" {
		if _, err := s.ownedGroup(ctx, p.UserID, in.GroupID); err != nil {
			return nil, err
		}
	}

	conv := &entities.Conversation{
		ID:       uuid.NewString(),
		OwnerID:  p.UserID,
		Title:    title,
		GroupID:  in.GroupID,
		SafeMode: in.SafeMode || p.Role == entities.RoleTeen || p.Role == entities.RoleChild,
	}
	if conv.SafeMode {
		text, err := s.currentSafetyText(ctx)
		if err != nil {
			return nil, err
		}
		conv.SafetyText = text
	}

	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Debug("conversation created", "id", conv.ID, "owner", p.UserID, "safe_mode", conv.SafeMode)
	return conv, nil
}

// Get returns a conversation owned by the caller.
func (s *ConversationService) Get(ctx context.Context, p entities.Principal, id string) (*entities.Conversation, error) {
	conv, err := s.conversations.Get(ctx, id)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && conv.OwnerID != p.UserID) {
		return nil, newError(CodeNotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

// List returns the caller's conversations.
func (s *ConversationService) List(ctx context.Context, p entities.Principal) ([]entities.Conversation, error) {
	return s.conversations.ListByOwner(ctx, p.UserID)
}

// Messages returns the visible history of a conversation owned by the caller.
func (s *ConversationService) Messages(ctx context.Context, p entities.Principal, id string) ([]entities.Message, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	return s.versions.ResolveVisibleHistory(ctx, id)
}

// SetArchived archives or restores a conversation.
func (s *ConversationService) SetArchived(ctx context.Context, p entities.Principal, id string, archived bool) error {
	if _, err := s.Get(ctx, p, id); err != nil {
		return err
	}
	return s.conversations.SetArchived(ctx, id, archived)
}

// SetSafeMode toggles safe mode. Enabling freezes the current safety text;
// teens and children cannot disable it.
func (s *ConversationService) SetSafeMode(ctx context.Context, p entities.Principal, id string, enabled bool) error {
	conv, err := s.Get(ctx, p, id)
	if err != nil {
		return err
	}
	if !enabled && (p.Role == entities.RoleTeen || p.Role == entities.RoleChild) {
		return newError(CodeForbidden, "safe mode cannot be disabled for this account")
	}
	if enabled == conv.SafeMode {
		return nil
	}

	text := ""
	if enabled {
		if text, err = s.currentSafetyText(ctx); err != nil {
			return err
		}
	}
	return s.conversations.SetSafeMode(ctx, id, enabled, text)
}

// CreateGroup creates a topic group whose guidance is injected into its conversations.
func (s *ConversationService) CreateGroup(ctx context.Context, p entities.Principal, name, guidance string) (*entities.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newError(CodeValidation, "group name is required")
	}
	if len([]rune(name)) > MaxTitleChars {
		return nil, newError(CodeValidation, "group name is too long")
	}
	g := &entities.Group{
		ID:       uuid.NewString(),
		OwnerID:  p.UserID,
		Name:     name,
		Guidance: strings.TrimSpace(guidance),
	}
	if err := s.conversations.CreateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}
	return g, nil
}

func (s *ConversationService) ownedGroup(ctx context.Context, ownerID, id string) (*entities.Group, error) {
	g, err := s.conversations.GetGroup(ctx, id)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && g.OwnerID != ownerID) {
		return nil, newError(CodeNotFound, "group not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading group: %w", err)
	}
	return g, nil
}

func (s *ConversationService) currentSafetyText(ctx context.Context) (string, error) {
	if s.safety == nil {
		return "", nil
	}
	text, err := s.safety.Current(ctx)
	if err != nil {
		return "", wrapError(CodeUpstream, "safety rules unavailable", err)
	}
	return text, nil
}
