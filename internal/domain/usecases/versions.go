package usecases

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// EditTicket is where the edited question and its answer land in history.
type EditTicket struct {
	GroupID string
	Version int
}

// VersionGroupManager implements edit-and-fork semantics over message history.
type VersionGroupManager struct {
	messages ports.MessageRepository
	newID    func() string
}

// NewVersionGroupManager creates a VersionGroupManager.
func NewVersionGroupManager(messages ports.MessageRepository) *VersionGroupManager {
	return &VersionGroupManager{
		messages: messages,
		newID:    func() string { return uuid.NewString() },
	}
}

// BeginEdit returns the group and version the edit of originalID must carry.
// The first edit of a message promotes the original Q&A pair to version 1 of
// a freshly minted group; later edits take max(version)+1.
func (v *VersionGroupManager) BeginEdit(ctx context.Context, originalID string) (EditTicket, error) {
	original, err := v.messages.Get(ctx, originalID)
	if err != nil {
		return EditTicket{}, fmt.Errorf("loading original message: %w", err)
	}

	if !original.Grouped() {
		if err := v.promote(ctx, original); err != nil {
			return EditTicket{}, err
		}
	}

	max, err := v.messages.MaxVersion(ctx, original.VersionGroupID)
	if err != nil {
		return EditTicket{}, fmt.Errorf("reading group version: %w", err)
	}
	return EditTicket{GroupID: original.VersionGroupID, Version: max + 1}, nil
}

// promote turns an ungrouped pair into version 1 of a new group. The update is
// conditional on the rows still being ungrouped; if another edit won the
// race, original is reloaded and the winner's group is used.
func (v *VersionGroupManager) promote(ctx context.Context, original *entities.Message) error {
	ids := []string{original.ID}
	next, err := v.messages.Next(ctx, original)
	switch {
	case err == nil:
		if next.Role == entities.RoleAssistant && !next.Grouped() {
			ids = append(ids, next.ID)
		}
	case errors.Is(err, ports.ErrNotFound):
	default:
		return fmt.Errorf("loading reply: %w", err)
	}

	groupID := v.newID()
	if _, err := v.messages.PromoteToGroup(ctx, groupID, ids); err != nil {
		return fmt.Errorf("promoting to version group: %w", err)
	}

	reloaded, err := v.messages.Get(ctx, original.ID)
	if err != nil {
		return fmt.Errorf("reloading original message: %w", err)
	}
	if !reloaded.Grouped() {
		return fmt.Errorf("message %s was not promoted", original.ID)
	}
	*original = *reloaded
	return nil
}

// ResolveVisibleHistory returns the linear view of a conversation: ungrouped
// messages as-is and, for each version group, only its highest version.
func (v *VersionGroupManager) ResolveVisibleHistory(ctx context.Context, conversationID string) ([]entities.Message, error) {
	all, err := v.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return VisibleHistory(all), nil
}

// VisibleHistory filters messages (in creation order) down to the visible versions.
func VisibleHistory(all []entities.Message) []entities.Message {
	visible := make(map[string]int)
	for _, m := range all {
		if m.Grouped() && m.VersionNumber > visible[m.VersionGroupID] {
			visible[m.VersionGroupID] = m.VersionNumber
		}
	}

	out := make([]entities.Message, 0, len(all))
	for _, m := range all {
		if m.Grouped() && m.VersionNumber != visible[m.VersionGroupID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
