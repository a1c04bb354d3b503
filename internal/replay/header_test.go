package replay

import (
	"path/filepath"
	"testing"

	"floatingspheres/broker/internal/config"
)

func TestWriteAndReadHeader(t *testing.T) {
	dir := t.TempDir()
	sceneYAML, err := config.DefaultScene().YAML()
	if err != nil {
		t.Fatalf("encode scene: %v", err)
	}
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		Seed:          "seed-9",
		Scene:         string(sceneYAML),
		Aspect:        1.5,
		FilePointer:   manifestFile,
	}
	path := filepath.Join(dir, "nested", headerFile)
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if loaded != header {
		t.Fatalf("unexpected header values: %+v", loaded)
	}
	scene, err := loaded.SceneConfig()
	if err != nil {
		t.Fatalf("scene: %v", err)
	}
	if scene.Counts != config.DefaultScene().Counts {
		t.Fatalf("unexpected scene counts %+v", scene.Counts)
	}
}

func TestHeaderValidation(t *testing.T) {
	if err := WriteHeader(filepath.Join(t.TempDir(), headerFile), Header{SchemaVersion: 1}); err == nil {
		t.Fatalf("expected missing file pointer to be rejected")
	}
	if err := (Header{FilePointer: manifestFile}).Validate(); err == nil {
		t.Fatalf("expected missing schema version to be rejected")
	}
	if _, err := (Header{SchemaVersion: 1, FilePointer: manifestFile}).SceneConfig(); err == nil {
		t.Fatalf("expected missing scene to be reported")
	}
}
