package metadata

import (
	_ "embed"
	"fmt"

	"github.com/BurntSushi/toml"
)

//go:embed defaults.toml
var builtinDefaults string

// LoadDefaults reads the acquisition defaults merged into every newly created dataset.
// An empty path selects the built-in set. Nested TOML tables flatten to dotted keys.
func LoadDefaults(path string) (map[string]any, error) {
	var tree map[string]any
	if path == "" {
		if _, err := toml.Decode(builtinDefaults, &tree); err != nil {
			return nil, fmt.Errorf("decode built-in defaults: %w", err)
		}
	} else {
		if _, err := toml.DecodeFile(path, &tree); err != nil {
			return nil, fmt.Errorf("decode defaults %s: %w", path, err)
		}
	}

	out := make(map[string]any)
	flatten("", tree, out)
	log.Debug("Loaded metadata defaults", "path", path, "entries", len(out))
	return out, nil
}

func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}
