package workflow

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"payflow/audit"
	"payflow/models"
)

// CreateUser provisions a non-ADMIN account. Only ADMIN principals pass the
// gate, and the gate never produces an ADMIN regardless of the payload; the
// first ADMIN comes from the out-of-band bootstrap channel.
func (s *Service) CreateUser(ctx context.Context, p Principal, username, displayName, role, password string) (*models.User, error) {
	if err := Authorize(p, CapAdmin, nil); err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, Validationf("username is required")
	}
	switch role {
	case models.RoleCreator, models.RoleApprover, models.RoleViewer:
	case models.RoleAdmin:
		return nil, Forbiddenf("ADMIN accounts cannot be created through this channel")
	default:
		return nil, Validationf("unknown role %q", role)
	}
	if len(password) < 8 {
		return nil, Validationf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, Internal(err)
	}

	now := s.Now().UTC()
	user := models.User{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	actor := p.UserID
	err = s.transaction(ctx, sql.LevelDefault, func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		return audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventUserCreated,
			Actor:      &actor,
			EntityKind: models.KindUser,
			EntityID:   user.ID,
			New:        map[string]any{"username": user.Username, "role": user.Role},
		})
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Conflictf("username already taken")
		}
		return nil, AsError(err)
	}
	return &user, nil
}
