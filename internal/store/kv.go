package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/examdesk/internal/model"
)

const (
	keyLLMConfig  = "llm_config"
	keyTokenUsage = "token_usage"
)

// TokenUsage is the persisted token counter.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// SetValue upserts a key-value pair.
func (s *Store) SetValue(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetValue returns the value for a key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// DeleteValue removes a key.
func (s *Store) DeleteValue(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.SetValue(key, string(data))
}

// getJSON decodes the value at key into v and reports whether it existed.
func (s *Store) getJSON(key string, v any) (bool, error) {
	raw, err := s.GetValue(key)
	if err != nil || raw == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SaveLLMConfig stores the AI provider configuration.
func (s *Store) SaveLLMConfig(cfg model.LLMConfig) error {
	return s.setJSON(keyLLMConfig, cfg)
}

// GetLLMConfig returns the stored AI provider configuration, or nil.
func (s *Store) GetLLMConfig() (*model.LLMConfig, error) {
	var cfg model.LLMConfig
	ok, err := s.getJSON(keyLLMConfig, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// SaveTokenUsage stores the token counters.
func (s *Store) SaveTokenUsage(u TokenUsage) error {
	return s.setJSON(keyTokenUsage, u)
}

// GetTokenUsage returns the stored token counters, zero if never saved.
func (s *Store) GetTokenUsage() (TokenUsage, error) {
	var u TokenUsage
	_, err := s.getJSON(keyTokenUsage, &u)
	return u, err
}
