// Package settings persists the user's model endpoint configuration as a
// JSON file under the data dir. The API key itself lives in the secrets
// store, never here.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"drawbridge/internal/openai"
	"drawbridge/internal/render"
)

const schemaVersion = 1

const (
	defaultModelID         = "gpt-4o"
	defaultMaxOutputTokens = 8192
)

// ModelEndpoint configures one OpenAI-compatible endpoint.
type ModelEndpoint struct {
	BaseURL         string  `json:"base_url"`
	Model           string  `json:"model"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	HasTemperature  bool    `json:"has_temperature,omitempty"`
}

type Settings struct {
	SchemaVersion int           `json:"schema_version"`
	Endpoint      ModelEndpoint `json:"endpoint"`
	RendererURL   string        `json:"renderer_url,omitempty"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	backfillSettings(&settings)
	return &settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfillSettings(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(settings)
	return settings, s.Save(settings)
}

func defaultSettings() *Settings {
	return &Settings{
		SchemaVersion: schemaVersion,
		Endpoint: ModelEndpoint{
			BaseURL:         openai.DefaultBaseURL,
			Model:           defaultModelID,
			MaxOutputTokens: defaultMaxOutputTokens,
		},
		RendererURL: render.DefaultBaseURL,
	}
}

func backfillSettings(settings *Settings) {
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
	}
	if strings.TrimSpace(settings.Endpoint.BaseURL) == "" {
		settings.Endpoint.BaseURL = openai.DefaultBaseURL
	}
	if strings.TrimSpace(settings.Endpoint.Model) == "" {
		settings.Endpoint.Model = defaultModelID
	}
	if settings.Endpoint.MaxOutputTokens <= 0 {
		settings.Endpoint.MaxOutputTokens = defaultMaxOutputTokens
	}
	if strings.TrimSpace(settings.RendererURL) == "" {
		settings.RendererURL = render.DefaultBaseURL
	}
}
