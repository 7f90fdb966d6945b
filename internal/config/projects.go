package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Project is one configured target directory the Agent CLI may run in.
// Projects are static: loaded once at startup, never mutated.
type Project struct {
	Alias                 string
	Path                  string // as written in projects.yaml
	CanonicalPath         string // symlink-resolved at load time
	Description           string
	SkipPermissions       bool
	SkipPermissionsReason string
	TokenBudget           int // 0 means use the engine default
	TimeoutMS             int // 0 means use the engine default
}

// projectSpec is the exact YAML shape. Decoding is strict: any key not
// listed here fails the load.
type projectSpec struct {
	Path                  string `yaml:"path"`
	Description           string `yaml:"description"`
	SkipPermissions       bool   `yaml:"skip_permissions"`
	SkipPermissionsReason string `yaml:"skip_permissions_reason"`
	TokenBudget           int    `yaml:"token_budget"`
	TimeoutMS             int    `yaml:"timeout"`
}

type projectsFile struct {
	Projects map[string]projectSpec `yaml:"projects"`
}

// Aliases appear in filesystem paths under the uploads root, so they are
// restricted to a safe character set.
var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// LoadProjects reads and validates the project definitions file.
func LoadProjects(path string) (map[string]*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open projects file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file projectsFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse projects file %s: %w", path, err)
	}
	if len(file.Projects) == 0 {
		return nil, fmt.Errorf("projects file %s defines no projects", path)
	}

	projects := make(map[string]*Project, len(file.Projects))
	var errs []string
	for alias, spec := range file.Projects {
		p, err := buildProject(alias, spec)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		projects[alias] = p
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("invalid project configuration: %s", strings.Join(errs, "; "))
	}
	return projects, nil
}

func buildProject(alias string, spec projectSpec) (*Project, error) {
	if !aliasPattern.MatchString(alias) {
		return nil, fmt.Errorf("project alias %q contains invalid characters", alias)
	}
	if spec.Path == "" {
		return nil, fmt.Errorf("project %s: path is required", alias)
	}
	if !filepath.IsAbs(spec.Path) {
		return nil, fmt.Errorf("project %s: path must be absolute, got %q", alias, spec.Path)
	}

	canonical, err := filepath.EvalSymlinks(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("project %s: cannot resolve path %q: %v", alias, spec.Path, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("project %s: cannot stat path %q: %v", alias, canonical, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project %s: path %q is not a directory", alias, canonical)
	}

	if spec.SkipPermissions && strings.TrimSpace(spec.SkipPermissionsReason) == "" {
		return nil, fmt.Errorf("project %s: skip_permissions requires a non-empty skip_permissions_reason", alias)
	}
	if spec.TokenBudget < 0 {
		return nil, fmt.Errorf("project %s: token_budget must not be negative", alias)
	}
	if spec.TimeoutMS < 0 {
		return nil, fmt.Errorf("project %s: timeout must not be negative", alias)
	}

	return &Project{
		Alias:                 alias,
		Path:                  spec.Path,
		CanonicalPath:         canonical,
		Description:           spec.Description,
		SkipPermissions:       spec.SkipPermissions,
		SkipPermissionsReason: strings.TrimSpace(spec.SkipPermissionsReason),
		TokenBudget:           spec.TokenBudget,
		TimeoutMS:             spec.TimeoutMS,
	}, nil
}

// EffectiveTokenBudget returns the project override or the given default.
func (p *Project) EffectiveTokenBudget(fallback int) int {
	if p.TokenBudget > 0 {
		return p.TokenBudget
	}
	return fallback
}

// EffectiveTimeoutMS returns the project override or the given default.
func (p *Project) EffectiveTimeoutMS(fallback int) int {
	if p.TimeoutMS > 0 {
		return p.TimeoutMS
	}
	return fallback
}
