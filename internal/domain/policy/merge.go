package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/devgodzilla/devgodzilla/internal/domain/project"
)

// RepoLocalDir is the directory under a project checkout holding
// repo-local policy overrides.
const RepoLocalDir = ".tasksgodzilla"

// Sources records where the effective policy came from.
type Sources struct {
	PackKey          string `json:"pack_key"`
	PackVersion      string `json:"pack_version"`
	OverridesApplied bool   `json:"overrides_applied"`
	RepoLocalApplied bool   `json:"repo_local_applied"`
	RepoLocalPath    string `json:"repo_local_path,omitempty"`
}

// Effective is the merged policy for a project plus its canonical hash.
type Effective struct {
	Policy  map[string]any `json:"policy"`
	JSON    []byte         `json:"-"`
	Hash    string         `json:"hash"`
	Sources Sources        `json:"sources"`
}

// ComputeEffective deep-merges pack < project overrides < repo-local file
// and returns the canonical JSON plus its SHA-256 hash. The merge is
// stable: identical inputs always produce identical JSON and hash.
func ComputeEffective(pack *Pack, proj *project.Project) (*Effective, error) {
	merged, err := pack.AsMap()
	if err != nil {
		return nil, err
	}

	sources := Sources{PackKey: pack.Key, PackVersion: pack.Version}

	if len(proj.PolicyOverrides) > 0 {
		merged = DeepMerge(merged, proj.PolicyOverrides)
		sources.OverridesApplied = true
	}

	if proj.PolicyRepoLocalEnabled && proj.LocalPath != "" {
		local, path, err := loadRepoLocal(proj.LocalPath)
		if err != nil {
			return nil, err
		}
		if local != nil {
			merged = DeepMerge(merged, local)
			sources.RepoLocalApplied = true
			sources.RepoLocalPath = path
		}
	}

	// encoding/json sorts map keys, so this marshal is canonical.
	canonical, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal effective policy: %w", err)
	}
	sum := sha256.Sum256(canonical)

	return &Effective{
		Policy:  merged,
		JSON:    canonical,
		Hash:    hex.EncodeToString(sum[:]),
		Sources: sources,
	}, nil
}

// DeepMerge overlays src onto dst recursively. Nested maps merge key by
// key; any other value (including slices) from src replaces dst wholesale.
// Neither input is mutated.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		dv, exists := out[k]
		if exists {
			dm, dok := dv.(map[string]any)
			sm, sok := sv.(map[string]any)
			if dok && sok {
				out[k] = DeepMerge(dm, sm)
				continue
			}
		}
		out[k] = sv
	}
	return out
}

// loadRepoLocal reads <repo>/.tasksgodzilla/policy.{json,yaml,yml} if
// present. Missing files are not an error.
func loadRepoLocal(repoPath string) (map[string]any, string, error) {
	for _, name := range []string{"policy.json", "policy.yaml", "policy.yml"} {
		path := filepath.Join(repoPath, RepoLocalDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, "", fmt.Errorf("read repo-local policy %s: %w", path, err)
		}

		var m map[string]any
		if filepath.Ext(name) == ".json" {
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, "", fmt.Errorf("parse repo-local policy %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &m); err != nil {
				return nil, "", fmt.Errorf("parse repo-local policy %s: %w", path, err)
			}
			m = normalizeYAML(m)
		}
		return m, path, nil
	}
	return nil, "", nil
}

// normalizeYAML converts yaml.v3 map[string]any values that contain
// map[any]any children into pure map[string]any so they merge and
// marshal like JSON.
func normalizeYAML(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeYAMLValue(vv)
		}
		return out
	default:
		return v
	}
}
