package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

func secretsFilePath(dataDir string) string {
	return filepath.Join(dataDir, "secrets.yaml")
}

// secretsFile is a flat YAML map of secret keys, readable only by the owner.
type secretsFile struct {
	path string
}

func (f secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	out := map[string]string{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", f.path, err)
	}
	return out, nil
}

func (f secretsFile) Get(key string) (string, bool, error) {
	m, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok && v != "", nil
}

func (f secretsFile) Set(key, value string) error {
	m, err := f.read()
	if err != nil {
		return err
	}
	m[key] = value
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// applySecrets fills secret keys still empty after env overrides.
func applySecrets(cfg *Config, src secretSource) error {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		v, ok, err := src.Get(s.key)
		if err != nil {
			return err
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}
