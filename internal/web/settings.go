package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"fallguard/internal/config"
	"fallguard/internal/detector"
)

type SettingsPayload struct {
	Enabled      bool   `json:"enabled"`
	Sensitivity  string `json:"sensitivity"`
	LowPowerMode bool   `json:"low_power_mode"`
}

// SettingsPayloadIn is the strict POST schema. Every key is required.
type SettingsPayloadIn struct {
	Enabled      *bool   `json:"enabled"`
	Sensitivity  *string `json:"sensitivity"`
	LowPowerMode *bool   `json:"low_power_mode"`
}

var settingsPostKeys = []string{
	"enabled",
	"sensitivity",
	"low_power_mode",
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	// Token pass: enforce a single flat object without duplicate or null keys.
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return SettingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if end, err := dec.Token(); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	} else if delim, ok := end.(json.Delim); !ok || delim != '}' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected end of object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SettingsPayloadIn{}, errors.New("invalid json: trailing data")
	}
	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	var out SettingsPayloadIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		Enabled:      cfg.Detector.IsEnabled(),
		Sensitivity:  cfg.Detector.Sensitivity,
		LowPowerMode: cfg.Detector.LowPowerMode,
	}
}

func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	level, ok := detector.ParseSensitivity(*p.Sensitivity)
	if !ok {
		return fmt.Errorf("sensitivity must be one of low, medium, high")
	}
	enabled := *p.Enabled
	cfg.Detector.Enabled = &enabled
	cfg.Detector.Sensitivity = string(level)
	cfg.Detector.LowPowerMode = *p.LowPowerMode
	return nil
}

type SettingsStore struct {
	ConfigPath string
	// Apply, when set, is called after validation and before saving. If it
	// fails the file is left untouched.
	Apply func(cfg config.Config) error
	// Logger reports failed rollbacks. Nil discards.
	Logger *zap.Logger
}

func (s SettingsStore) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger.Named("settings")
}

func (s SettingsStore) load() (config.Config, error) {
	return config.Load(s.ConfigPath)
}

// save writes cfg through a temp file in the same directory so the rename
// is atomic.
func (s SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.ConfigPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.ConfigPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.ConfigPath)
}

func (s SettingsStore) available(w http.ResponseWriter) bool {
	if strings.TrimSpace(s.ConfigPath) == "" {
		http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
		return false
	}
	return true
}

func (s SettingsStore) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	cfg, err := s.load()
	if err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))
}

func (s SettingsStore) handlePost(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
		return
	}
	p, err := decodeSettingsPayloadInStrict(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	oldCfg, err := s.load()
	if err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	cfg := oldCfg
	if err := applySettingsPayload(&cfg, p); err != nil {
		http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}

	if s.Apply != nil {
		if err := s.Apply(cfg); err != nil {
			http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := s.save(cfg); err != nil {
		// Keep the running detector consistent with disk.
		if s.Apply != nil {
			if rerr := s.Apply(oldCfg); rerr != nil {
				s.logger().Error("settings rollback failed; running settings differ from the saved file",
					zap.String("path", s.ConfigPath),
					zap.NamedError("save_error", err),
					zap.Error(rerr),
				)
			}
		}
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))
}
