package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables read by the loader.
const EnvPrefix = "TRACEWAY_"

const maxConfigFileSize = 1024 * 1024 // 1MB

var (
	// ErrFileTooLarge is returned for configuration files over 1MB.
	ErrFileTooLarge = errors.New("config file too large")

	// ErrInsecurePermissions is returned for world-writable files.
	ErrInsecurePermissions = errors.New("insecure config file permissions")
)

// DefaultPath returns ~/.config/traceway/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "traceway", "config.yaml"), nil
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest first):
//  1. Environment variables (TRACEWAY_PIPELINE_LEVEL, TRACEWAY_SINKS_HTTP_URL, ...)
//  2. YAML config file
//  3. Defaults
//
// An empty configPath selects DefaultPath. A missing file is not an error.
// The result is not normalized; call Config.Normalize to coerce invalid values.
//
// Environment variables map onto keys by replacing dots with underscores:
//
//	TRACEWAY_PIPELINE_SAMPLE_RATE -> pipeline.sample_rate
//	TRACEWAY_SINKS_NATS_SUBJECT_PREFIX -> sinks.nats.subject_prefix
//	TRACEWAY_REDACTION_KEYS=session,cookie -> redaction.keys
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer(knownKeys())), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate through the open descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, maxConfigFileSize)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("%w: %v (must not be world-writable)", ErrInsecurePermissions, info.Mode().Perm())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), maxConfigFileSize)
	}
	return nil
}

// envTransformer maps TRACEWAY_SECTION_FIELD_NAME onto a known dotted key.
// Unknown names fall back to splitting the section on the first underscore.
func envTransformer(known map[string]string) func(string) string {
	return func(s string) string {
		flat := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key, ok := known[flat]; ok {
			return key
		}
		section, field, found := strings.Cut(flat, "_")
		if !found {
			return flat
		}
		return section + "." + field
	}
}

// knownKeys indexes every koanf key of Config by its underscore form.
func knownKeys() map[string]string {
	keys := make(map[string]string)
	collectKeys(reflect.TypeOf(Config{}), "", keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys map[string]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("koanf")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			collectKeys(field.Type, key, keys)
			continue
		}
		keys[strings.ReplaceAll(key, ".", "_")] = key
	}
}
