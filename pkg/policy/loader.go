package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a single policy definition from a JSON or YAML file,
// validating it fully before returning.
func LoadFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var p Policy
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, path, err)
		}
		// Route YAML through the same schema gate as JSON.
		jsonRaw, err := json.Marshal(&p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, path, err)
		}
		return Parse(jsonRaw)
	default:
		return Parse(raw)
	}
}

// LoadDir loads every .json/.yaml/.yml policy file in dir into the store.
// Files already present (same id) are replaced via Update. Returns the
// number of policies loaded.
func LoadDir(ctx context.Context, dir string, store Store) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("load policy dir %s: %w", dir, err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, err
		}
		if err := store.Create(ctx, p); err != nil {
			if !errors.Is(err, ErrDuplicatePolicy) {
				return loaded, err
			}
			if err := store.Update(ctx, p); err != nil {
				return loaded, err
			}
		}
		loaded++
	}
	return loaded, nil
}
