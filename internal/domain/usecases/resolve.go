package usecases

import (
	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
)

// ResolveModel picks the model for an exchange: explicit request, then the
// conversation's pinned model, then the system-wide active model. The first
// candidate that is installed wins.
func ResolveModel(explicit, pinned, active *entities.ModelInfo) (*entities.ModelInfo, error) {
	for _, m := range []*entities.ModelInfo{explicit, pinned, active} {
		if m != nil && m.Installed {
			return m, nil
		}
	}
	return nil, newError(CodeNoModel, "no installed model is available")
}

// Authorize enforces per-role model access. Admins bypass every check.
func Authorize(p entities.Principal, conv *entities.Conversation, m *entities.ModelInfo) error {
	switch p.Role {
	case entities.RoleAdmin:
		return nil
	case entities.RoleTeen:
		if !m.AllowTeen {
			return newError(CodeForbidden, "this model is not available for teen accounts")
		}
	case entities.RoleChild:
		if !m.AllowChild {
			return newError(CodeForbidden, "this model is not available for child accounts")
		}
	case entities.RoleAdult:
	default:
		return newError(CodeForbidden, "unknown role")
	}

	if conv != nil && conv.SafeMode && p.Role == entities.RoleAdult && !m.SafeModeAllowed {
		return newError(CodeForbidden, "this model is not allowed in safe mode")
	}
	return nil
}
