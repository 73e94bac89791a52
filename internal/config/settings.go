package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

const (
	ManagerLocal = "local"
	ManagerRTC   = "rtc"
)

// Settings is the user-editable JSONC settings file.
type Settings struct {
	// SuggestionManager is the id of the active manager.
	SuggestionManager string `json:"suggestion_manager"`
}

func DefaultSettings() Settings {
	return Settings{SuggestionManager: ManagerLocal}
}

const settingsTemplate = `{
	// Active suggestion manager: "local" stores suggestions in notebook
	// metadata, "rtc" keeps each suggestion in a collaborative fork.
	"suggestion_manager": "local"
}
`

// LoadSettings reads path. A missing file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Settings{}, fmt.Errorf("settings %s: invalid JSONC: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &settings); err != nil {
		return Settings{}, fmt.Errorf("settings %s: invalid JSON: %w", path, err)
	}
	if settings.SuggestionManager == "" {
		settings.SuggestionManager = ManagerLocal
	}
	return settings, nil
}

// SetSuggestionManager rewrites the manager id in path, keeping comments and
// any other keys, and creates the file from a template if needed.
func SetSuggestionManager(path, id string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data = []byte(settingsTemplate)
	} else if err != nil {
		return fmt.Errorf("read settings %s: %w", path, err)
	}

	value, err := hujson.Parse(data)
	if err != nil {
		return fmt.Errorf("settings %s: invalid JSONC: %w", path, err)
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return err
	}
	patch := fmt.Sprintf(`[{"op":"add","path":"/suggestion_manager","value":%s}]`, encoded)
	if err := value.Patch([]byte(patch)); err != nil {
		return fmt.Errorf("patch settings %s: %w", path, err)
	}
	value.Format()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(value.Pack())); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}
