package settings

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NewStore picks a backend from dsn: empty is in-memory, postgres:// or
// postgresql:// is PostgreSQL, and sqlite:, file: or a *.db path is SQLite.
func NewStore(ctx context.Context, dsn string, defaults Settings) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return NewInMemoryStore(defaults), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn, defaults)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"), defaults)
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return NewSQLiteStore(ctx, dsn, defaults)
	default:
		return nil, fmt.Errorf("unsupported SETTINGS_DSN %q", dsn)
	}
}

// LoadSeed reads a YAML settings file. Keys missing from the file keep their
// default value. An empty path returns Defaults().
func LoadSeed(path string) (Settings, error) {
	out := Defaults()
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings seed: %w", err)
	}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return Settings{}, fmt.Errorf("parse settings seed %s: %w", path, err)
	}
	return out.Normalize(), nil
}
