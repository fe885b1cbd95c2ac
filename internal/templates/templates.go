// Package templates provides embedded, named starting-point configurations
// that a corral config file can "extend" instead of repeating common
// workspace/network shapes from scratch.
package templates

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentcorral/corral/internal/config"
	"github.com/tidwall/jsonc"
)

// maxExtendsDepth limits inheritance chain depth to prevent infinite loops.
const maxExtendsDepth = 10

//go:embed *.json
var templatesFS embed.FS

// Template names a configuration template with a one-line description.
type Template struct {
	Name        string
	Description string
}

var templateDescriptions = map[string]string{
	"default-deny":    "No network access; no writes outside the workspace (most restrictive)",
	"workspace-write": "Allow writes anywhere under the current workspace",
	"npm-install":     "Allow the npm registry; allow writes to workspace and node_modules",
	"pip-install":     "Allow PyPI; allow writes to workspace and standard pip cache paths",
	"coding-agent":    "Production-ready config for an AI coding agent: PARANOID security, npm/pip/git allowed, writes to the workspace and the npm/pip caches",
}

// List returns all available template names, sorted alphabetically.
func List() []Template {
	entries, err := templatesFS.ReadDir(".")
	if err != nil {
		return nil
	}

	var out []Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		desc := templateDescriptions[name]
		if desc == "" {
			desc = "No description available"
		}
		out = append(out, Template{Name: name, Description: desc})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load loads a template by name, resolving its extends chain if present.
func Load(name string) (*config.Config, error) {
	return loadWithDepth(name, 0, nil)
}

func loadWithDepth(name string, depth int, seen map[string]bool) (*config.Config, error) {
	if depth > maxExtendsDepth {
		return nil, fmt.Errorf("extends chain too deep (max %d)", maxExtendsDepth)
	}

	name = strings.TrimSuffix(name, ".json")

	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[name] {
		return nil, fmt.Errorf("circular extends detected: %q", name)
	}
	seen[name] = true

	data, err := templatesFS.ReadFile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("template %q not found", name)
	}

	var cfg config.Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse template %q: %w", name, err)
	}

	if cfg.Extends != "" {
		baseCfg, err := loadWithDepth(cfg.Extends, depth+1, seen)
		if err != nil {
			return nil, fmt.Errorf("failed to load base template %q: %w", cfg.Extends, err)
		}
		return config.Merge(baseCfg, &cfg), nil
	}

	return &cfg, nil
}

// Exists reports whether a template with the given name is embedded.
func Exists(name string) bool {
	name = strings.TrimSuffix(name, ".json")
	_, err := templatesFS.ReadFile(name + ".json")
	return err == nil
}

// GetPath returns a display-only path for a template, for diagnostics.
func GetPath(name string) string {
	name = strings.TrimSuffix(name, ".json")
	return filepath.Join("internal/templates", name+".json")
}

// isPath reports whether an extends value looks like a file path (contains
// a separator or a leading ".") rather than a bare template name.
func isPath(s string) bool {
	return strings.ContainsAny(s, "/\\") || strings.HasPrefix(s, ".")
}

// ResolveExtends resolves cfg's extends field against the current working
// directory. If cfg has no extends field it is returned unchanged.
func ResolveExtends(cfg *config.Config) (*config.Config, error) {
	return ResolveExtendsWithBaseDir(cfg, "")
}

// ResolveExtendsWithBaseDir resolves cfg's extends field, which may name
// an embedded template or a path (absolute, or relative to baseDir).
func ResolveExtendsWithBaseDir(cfg *config.Config, baseDir string) (*config.Config, error) {
	if cfg == nil || cfg.Extends == "" {
		return cfg, nil
	}
	return resolveExtendsWithDepth(cfg, baseDir, 0, nil)
}

func resolveExtendsWithDepth(cfg *config.Config, baseDir string, depth int, seen map[string]bool) (*config.Config, error) {
	if cfg == nil || cfg.Extends == "" {
		return cfg, nil
	}
	if depth > maxExtendsDepth {
		return nil, fmt.Errorf("extends chain too deep (max %d)", maxExtendsDepth)
	}
	if seen == nil {
		seen = make(map[string]bool)
	}

	var (
		baseCfg    *config.Config
		newBaseDir string
		err        error
	)

	if isPath(cfg.Extends) {
		baseCfg, newBaseDir, err = loadConfigFile(cfg.Extends, baseDir, seen)
	} else {
		baseCfg, err = loadWithDepth(cfg.Extends, depth+1, seen)
	}
	if err != nil {
		return nil, err
	}

	if baseCfg.Extends != "" {
		baseCfg, err = resolveExtendsWithDepth(baseCfg, newBaseDir, depth+1, seen)
		if err != nil {
			return nil, err
		}
	}

	return config.Merge(baseCfg, cfg), nil
}

func loadConfigFile(path, baseDir string, seen map[string]bool) (*config.Config, string, error) {
	var resolvedPath string
	switch {
	case filepath.IsAbs(path):
		resolvedPath = path
	case baseDir != "":
		resolvedPath = filepath.Join(baseDir, path)
	default:
		var err error
		resolvedPath, err = filepath.Abs(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve path %q: %w", path, err)
		}
	}
	resolvedPath = filepath.Clean(resolvedPath)

	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[resolvedPath] {
		return nil, "", fmt.Errorf("circular extends detected: %q", path)
	}
	seen[resolvedPath] = true

	data, err := os.ReadFile(resolvedPath) //nolint:gosec // user-provided config path - intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("extends file not found: %q", path)
		}
		return nil, "", fmt.Errorf("failed to read extends file %q: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, "", fmt.Errorf("extends file is empty: %q", path)
	}

	var cfg config.Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, "", fmt.Errorf("invalid JSON in extends file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration in extends file %q: %w", path, err)
	}

	return &cfg, filepath.Dir(resolvedPath), nil
}
