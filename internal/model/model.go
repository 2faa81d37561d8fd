package model

import (
	"context"
	"time"
)

// UserRole represents a local profile's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == UserRoleStudent || r == UserRoleAdmin
}

// User is a local profile. There are no passwords: a profile is selected, not
// authenticated.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Assignment makes an exam visible to a student in a given mode.
type Assignment struct {
	ID        string     `json:"id"`
	ExamID    string     `json:"examId"`
	UserID    string     `json:"userId"`
	Mode      Mode       `json:"mode"`
	DueAt     *time.Time `json:"dueAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ProviderKind names an AI grading backend.
type ProviderKind string

const (
	ProviderClaude   ProviderKind = "claude"
	ProviderOpenAI   ProviderKind = "openai"
	ProviderAzure    ProviderKind = "azure"
	ProviderOllama   ProviderKind = "ollama"
	ProviderLMStudio ProviderKind = "lmstudio"
	ProviderGemini   ProviderKind = "gemini"
)

// LLMConfig is the administrator-supplied provider configuration.
type LLMConfig struct {
	Provider   ProviderKind `json:"provider"`
	APIKey     string       `json:"apiKey,omitempty"`
	Model      string       `json:"model,omitempty"`
	BaseURL    string       `json:"baseUrl,omitempty"`
	Deployment string       `json:"deployment,omitempty"`
	APIVersion string       `json:"apiVersion,omitempty"`
}

// Redacted returns a copy safe to show in API responses and logs.
func (c LLMConfig) Redacted() LLMConfig {
	if c.APIKey != "" {
		c.APIKey = "********"
	}
	return c
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the selected profile from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}
