package repository

import (
	"time"

	"github.com/example/palm-verify/internal/palm"
)

// IdentityRecord is an enrolled user together with the four reference
// embeddings captured at enrollment.
type IdentityRecord struct {
	ID           int64          `gorm:"primaryKey;autoIncrement"`
	Name         string         `gorm:"column:name;size:128;not null"`
	Email        string         `gorm:"column:email;size:256"`
	FV1          palm.Embedding `gorm:"column:fv1;type:jsonb;serializer:json"`
	FV2          palm.Embedding `gorm:"column:fv2;type:jsonb;serializer:json"`
	FV3          palm.Embedding `gorm:"column:fv3;type:jsonb;serializer:json"`
	FV4          palm.Embedding `gorm:"column:fv4;type:jsonb;serializer:json"`
	PresentToday bool           `gorm:"column:present_today;not null;default:false"`
	EnrolledAt   *time.Time     `gorm:"column:enrolled_at"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (IdentityRecord) TableName() string {
	return "users"
}

func (r *IdentityRecord) slots() palm.SlotSet {
	return palm.SlotSet{r.FV1, r.FV2, r.FV3, r.FV4}
}

func (r *IdentityRecord) setSlots(set palm.SlotSet) {
	r.FV1, r.FV2, r.FV3, r.FV4 = set[palm.SlotLeft1], set[palm.SlotLeft2], set[palm.SlotRight1], set[palm.SlotRight2]
}

func (r *IdentityRecord) toIdentity() palm.Identity {
	return palm.Identity{
		IdentityRef: palm.IdentityRef{ID: palm.IdentityID(r.ID), Name: r.Name},
		Email:       r.Email,
		Present:     r.PresentToday,
		Embeddings:  r.slots(),
	}
}

// IdentityUpdate lists the administrative fields to change on an identity.
// Nil fields are left as stored.
type IdentityUpdate struct {
	Name    *string
	Email   *string
	Present *bool
}

// Empty reports whether the update changes nothing.
func (u IdentityUpdate) Empty() bool {
	return u.Name == nil && u.Email == nil && u.Present == nil
}

func (u IdentityUpdate) columns() map[string]interface{} {
	columns := map[string]interface{}{}
	if u.Name != nil {
		columns["name"] = *u.Name
	}
	if u.Email != nil {
		columns["email"] = *u.Email
	}
	if u.Present != nil {
		columns["present_today"] = *u.Present
	}
	return columns
}

// VerificationLog records one verification attempt.
type VerificationLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Locator      string    `gorm:"column:locator;size:512"`
	IdentityID   *int64    `gorm:"column:identity_id;index"`
	IdentityName string    `gorm:"column:identity_name;size:128"`
	Score        *float64  `gorm:"column:score"`
	Matched      bool      `gorm:"column:matched"`
	ErrorKind    string    `gorm:"column:error_kind;size:64"`
	Error        string    `gorm:"column:error;type:text"`
	Warning      string    `gorm:"column:warning;type:text"`
	LatencyMs    int64     `gorm:"column:latency_ms"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation summarises the verification log.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
}
