package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"floatingspheres/broker/internal/replay"
)

// Entry summarises one replay bundle found under the catalogue root.
type Entry struct {
	HeaderPath string  `json:"header_path"`
	BundlePath string  `json:"bundle_path"`
	Seed       string  `json:"seed"`
	CreatedAt  string  `json:"created_at,omitempty"`
	Bodies     int     `json:"bodies"`
	Aspect     float64 `json:"aspect,omitempty"`
	TickHz     float64 `json:"tick_hz,omitempty"`
	// Verifiable reports whether the header carries a usable scene.
	Verifiable bool `json:"verifiable"`
}

// List walks the directory tree and returns parsed replay headers.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the directory tree searching for bundle headers.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "header.json" {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		bundle := header.FilePointer
		if !filepath.IsAbs(bundle) {
			bundle = filepath.Join(filepath.Dir(path), bundle)
		}
		entry := Entry{
			HeaderPath: path,
			BundlePath: filepath.Dir(bundle),
			Seed:       header.Seed,
			CreatedAt:  header.CreatedAt,
			Aspect:     header.Aspect,
			TickHz:     header.TickHz,
		}
		//2.- A bundle whose scene no longer parses is listed but flagged.
		if scene, err := header.SceneConfig(); err == nil {
			entry.Bodies = scene.Counts.Total()
			entry.Verifiable = true
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt == entries[j].CreatedAt {
			return entries[i].BundlePath < entries[j].BundlePath
		}
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
