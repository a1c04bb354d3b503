package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"floatingspheres/broker/internal/config"
)

// HeaderSchemaVersion tracks the schema version for replay header documents.
const HeaderSchemaVersion = 1

// Header represents the metadata persisted alongside a replay bundle.
type Header struct {
	SchemaVersion int    `json:"schema_version"`
	CreatedAt     string `json:"created_at,omitempty"`
	Seed          string `json:"seed"`
	// Scene is the full YAML scene document the run was built from.
	Scene       string  `json:"scene_yaml,omitempty"`
	Aspect      float64 `json:"aspect,omitempty"`
	TickHz      float64 `json:"tick_hz,omitempty"`
	FilePointer string  `json:"file_pointer"`
}

// Validate ensures the header contains enough information for catalogue tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// SceneConfig decodes the recorded scene.
func (h Header) SceneConfig() (*config.Scene, error) {
	if strings.TrimSpace(h.Scene) == "" {
		return nil, fmt.Errorf("replay header does not carry a scene")
	}
	return config.ParseScene([]byte(h.Scene))
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	//1.- Write beside the target then rename so readers never see a torn header.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(payload, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadHeader loads and decodes a replay header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
