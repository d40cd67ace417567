package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are listed as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if v == "" {
				v = "(unset)"
			} else {
				v = "(set)"
			}
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: v})
	}
	return result
}

// SetKey writes a config key to the config file. Secret keys go to the
// secrets file in the configured data directory.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if _, err := parseValue(s.typ, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if s.secret {
			cfg := defaults()
			if err := applyBackend(&cfg, b); err != nil {
				return err
			}
			applyEnvOverrides(&cfg)
			return secretsFile{path: secretsFilePath(cfg.Storage.DataDir)}.Set(key, value)
		}
		if s.typ == kInt {
			i, _ := strconv.Atoi(value)
			return b.SetInt(key, i)
		}
		return b.SetString(key, value)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
