// Package wsconfig implements the workspace-level ralph.yml configuration
// domain: a tolerant YAML-to-JSON read and a syntax-checked atomic write.
package wsconfig

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ralph-run/ralph-api/internal/filestore"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
	"gopkg.in/yaml.v3"
)

// UpdateParams is the decoded config.update request body.
type UpdateParams struct {
	Content string `json:"content"`
}

// GetResult is config.get's result.
type GetResult struct {
	Raw    string         `json:"raw"`
	Parsed map[string]any `json:"parsed"`
}

// UpdateResult is config.update's result.
type UpdateResult struct {
	Success bool           `json:"success"`
	Parsed  map[string]any `json:"parsed"`
}

// Domain implements the config.get/config.update operations against
// <workspaceRoot>/ralph.yml.
type Domain struct {
	configPath string
}

// NewDomain constructs a Domain rooted at workspaceRoot.
func NewDomain(workspaceRoot string) *Domain {
	return &Domain{configPath: filepath.Join(workspaceRoot, "ralph.yml")}
}

// Get reads the raw config file and its tolerant-parsed JSON view. A parse
// failure is logged by the caller and surfaced as an empty object rather
// than an error, matching config.get's read-only leniency.
func (d *Domain) Get() (*GetResult, *rpcerr.Error) {
	raw, readErr := os.ReadFile(d.configPath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, rpcerr.New(rpcerr.NotFound, "configuration file not found at ralph.yml")
		}
		return nil, rpcerr.Newf(rpcerr.Internal, "failed reading config file '%s': %v", d.configPath, readErr)
	}

	parsed, parseErr := parseYAMLToJSONObject(string(raw))
	if parseErr != nil {
		parsed = map[string]any{}
	}

	return &GetResult{Raw: string(raw), Parsed: parsed}, nil
}

// Update validates params.Content as a YAML mapping and, if valid, atomically
// replaces ralph.yml with it.
func (d *Domain) Update(params UpdateParams) (*UpdateResult, *rpcerr.Error) {
	parsed, parseErr := parseYAMLToJSONObject(params.Content)
	if parseErr != nil {
		return nil, rpcerr.Newf(rpcerr.ConfigInvalid, "invalid YAML syntax: %v", parseErr)
	}

	if err := filestore.WriteBytesAtomic(d.configPath, []byte(params.Content)); err != nil {
		return nil, rpcerr.Newf(rpcerr.Internal, "failed writing config file '%s': %v", d.configPath, err)
	}

	return &UpdateResult{Success: true, Parsed: parsed}, nil
}

// parseYAMLToJSONObject parses content as YAML and requires its root to be a
// mapping, round-tripping through JSON so downstream consumers see plain
// map[string]any/[]any/string/float64/bool/nil values.
func parseYAMLToJSONObject(content string) (map[string]any, error) {
	var yamlValue any
	if err := yaml.Unmarshal([]byte(content), &yamlValue); err != nil {
		return nil, err
	}

	normalized := normalizeYAML(yamlValue)
	if normalized == nil {
		return map[string]any{}, nil
	}

	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}

	var asMap map[string]any
	if err := json.Unmarshal(jsonBytes, &asMap); err != nil {
		return nil, errConfigRootMustBeMapping
	}
	return asMap, nil
}

var errConfigRootMustBeMapping = rootMustBeMappingError{}

type rootMustBeMappingError struct{}

func (rootMustBeMappingError) Error() string {
	return "configuration root must be a YAML mapping/object"
}

// normalizeYAML converts yaml.v3's map[string]interface{}/map[interface{}]interface{}
// decode shapes into plain Go values JSON can marshal directly.
func normalizeYAML(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[toStringKey(key)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func toStringKey(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	b, _ := json.Marshal(key)
	return string(b)
}
