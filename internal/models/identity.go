package models

import (
	"errors"
	"fmt"
	"time"
)

// TenantID scopes every cache, matching and attendance operation to one school.
type TenantID string

var (
	// ErrMissingTenant is returned when an operation is called without a tenant scope.
	ErrMissingTenant    = errors.New("tenant scope is required")
	ErrIdentityNotFound = errors.New("identity not found")
)

// Validate rejects the empty tenant. Tenants are never inferred.
func (t TenantID) Validate() error {
	if t == "" {
		return ErrMissingTenant
	}
	return nil
}

func (t TenantID) String() string { return string(t) }

type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
)

// ParseRole accepts the canonical role names plus the "employee" alias used by tenant settings.
func ParseRole(s string) (Role, error) {
	switch s {
	case "student":
		return RoleStudent, nil
	case "staff", "employee":
		return RoleStaff, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingGenerated EmbeddingStatus = "generated"
	EmbeddingFailed    EmbeddingStatus = "failed"
)

// ModelTag identifies the model that produced an embedding. Vectors with
// different tags are never compared.
type ModelTag struct {
	Name    string `json:"name" cbor:"name"`
	Version string `json:"version" cbor:"version"`
	Dim     int    `json:"dim" cbor:"dim"`
}

func (m ModelTag) String() string {
	return fmt.Sprintf("%s@%s/%d", m.Name, m.Version, m.Dim)
}

func (m ModelTag) IsZero() bool {
	return m.Name == "" && m.Version == "" && m.Dim == 0
}

// Identity is a student or staff member eligible for recognition.
type Identity struct {
	ID              string          `json:"id" db:"id"`
	TenantID        TenantID        `json:"tenant_id" db:"tenant_id"`
	DisplayName     string          `json:"display_name" db:"display_name"`
	Role            Role            `json:"role" db:"role"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status" db:"embedding_status"`
	Embedding       []float32       `json:"-" db:"embedding"`
	ModelTag        ModelTag        `json:"model_tag" db:"model_tag"`
	GeneratedAt     *time.Time      `json:"generated_at,omitempty" db:"generated_at"`
	ImageKey        string          `json:"image_key,omitempty" db:"image_key"`
	FailureReason   string          `json:"failure_reason,omitempty" db:"failure_reason"`
}

// StoredEmbedding is one row returned by a bulk "read all generated" query.
type StoredEmbedding struct {
	IdentityID  string
	DisplayName string
	Role        Role
	Vector      []float32
	ModelTag    ModelTag
}

// IdentityQuery selects identities for bulk generation. An empty Role means both
// roles; empty IDs means every identity of the tenant.
type IdentityQuery struct {
	Role        Role     `json:"role,omitempty"`
	IDs         []string `json:"ids,omitempty"`
	MissingOnly bool     `json:"missing_only"`
}
