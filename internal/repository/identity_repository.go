package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/palm-verify/internal/palm"
)

// Repository persists identities, their reference embeddings and the
// verification log. Writes are atomic per identity; there is no
// cross-identity transaction.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger.Named("repository")}
}

// AutoMigrate ensures the schema is available.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&IdentityRecord{}, &VerificationLog{})
}

// ReadAll returns every identity with its stored embeddings, ordered by id.
func (r *Repository) ReadAll(ctx context.Context) ([]palm.Identity, error) {
	var records []IdentityRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, storeError("read identities", err)
	}
	identities := make([]palm.Identity, len(records))
	for i := range records {
		identities[i] = records[i].toIdentity()
	}
	return identities, nil
}

// UpdateEmbeddings replaces all reference embeddings of an identity in a
// single statement.
func (r *Repository) UpdateEmbeddings(ctx context.Context, id palm.IdentityID, set palm.SlotSet) error {
	now := time.Now().UTC()
	record := IdentityRecord{EnrolledAt: &now}
	record.setSlots(set)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&IdentityRecord{}).
			Where("id = ?", int64(id)).
			Select("fv1", "fv2", "fv3", "fv4", "enrolled_at").
			Updates(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return palm.ErrIdentityNotFound
		}
		return nil
	})
	if err != nil {
		return storeError(fmt.Sprintf("update embeddings of %s", id), err)
	}
	r.logger.Info("reference embeddings replaced", zap.Int64("identity_id", int64(id)), zap.Int("slots", set.Filled()))
	return nil
}

// SetPresent updates the attendance flag of one identity.
func (r *Repository) SetPresent(ctx context.Context, id palm.IdentityID, present bool) error {
	res := r.db.WithContext(ctx).Model(&IdentityRecord{}).Where("id = ?", int64(id)).Update("present_today", present)
	if res.Error != nil {
		return storeError(fmt.Sprintf("set presence of %s", id), res.Error)
	}
	if res.RowsAffected == 0 {
		return storeError(fmt.Sprintf("set presence of %s", id), palm.ErrIdentityNotFound)
	}
	return nil
}

// ResetPresence clears the attendance flag of every identity and reports
// how many rows changed.
func (r *Repository) ResetPresence(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&IdentityRecord{}).Where("present_today = ?", true).Update("present_today", false)
	if res.Error != nil {
		return 0, storeError("reset presence", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateIdentity registers a new identity without embeddings.
func (r *Repository) CreateIdentity(ctx context.Context, name, email string) (palm.Identity, error) {
	record := IdentityRecord{Name: name, Email: email}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return palm.Identity{}, storeError("create identity", err)
	}
	return record.toIdentity(), nil
}

// FindIdentity loads a single identity.
func (r *Repository) FindIdentity(ctx context.Context, id palm.IdentityID) (palm.Identity, error) {
	var record IdentityRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = palm.ErrIdentityNotFound
		}
		return palm.Identity{}, storeError(fmt.Sprintf("find identity %s", id), err)
	}
	return record.toIdentity(), nil
}

// UpdateIdentity changes the name, email or attendance flag of an identity
// and returns the stored result. Embeddings are untouched.
func (r *Repository) UpdateIdentity(ctx context.Context, id palm.IdentityID, update IdentityUpdate) (palm.Identity, error) {
	if update.Empty() {
		return r.FindIdentity(ctx, id)
	}

	var record IdentityRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&IdentityRecord{}).Where("id = ?", int64(id)).Updates(update.columns())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return palm.ErrIdentityNotFound
		}
		return tx.First(&record, "id = ?", int64(id)).Error
	})
	if err != nil {
		return palm.Identity{}, storeError(fmt.Sprintf("update identity %s", id), err)
	}
	r.logger.Info("identity updated", zap.Int64("identity_id", int64(id)))
	return record.toIdentity(), nil
}

// DeleteIdentity removes an identity and its reference embeddings. Logged
// verifications that matched it keep their copy of the id and name.
func (r *Repository) DeleteIdentity(ctx context.Context, id palm.IdentityID) error {
	res := r.db.WithContext(ctx).Delete(&IdentityRecord{}, "id = ?", int64(id))
	if res.Error != nil {
		return storeError(fmt.Sprintf("delete identity %s", id), res.Error)
	}
	if res.RowsAffected == 0 {
		return storeError(fmt.Sprintf("delete identity %s", id), palm.ErrIdentityNotFound)
	}
	r.logger.Info("identity deleted", zap.Int64("identity_id", int64(id)))
	return nil
}

func storeError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", palm.ErrStore, operation, palm.AsTimeout(err))
}
