// Package preset enumerates the prompt/event-loop presets available to a
// workspace: built-in YAML files, user-authored ones under .ralph/hats, and
// collection-derived presets from the collection domain.
package preset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record is a single preset entry returned from preset.list.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// CollectionSummary is the subset of collection.Summary this package needs,
// kept local to avoid an import cycle with internal/collection.
type CollectionSummary struct {
	ID          string
	Name        string
	Description string
}

// Domain enumerates presets rooted at a workspace.
type Domain struct {
	workspaceRoot string
}

// NewDomain constructs a Domain rooted at workspaceRoot.
func NewDomain(workspaceRoot string) *Domain {
	return &Domain{workspaceRoot: workspaceRoot}
}

// List returns every preset: builtin, then directory, then collection-derived,
// each class sorted by name then id.
func (d *Domain) List(collections []CollectionSummary) []Record {
	builtinDir := filepath.Join(d.workspaceRoot, "presets")
	hatsDir := filepath.Join(d.workspaceRoot, ".ralph", "hats")

	builtin := readPresetsFromDir(builtinDir, "builtin", false)
	directory := readPresetsFromDir(hatsDir, "directory", true)

	collectionPresets := make([]Record, 0, len(collections))
	for _, c := range collections {
		collectionPresets = append(collectionPresets, Record{
			ID:          c.ID,
			Name:        c.Name,
			Source:      "collection",
			Description: c.Description,
		})
	}

	sortRecords(builtin)
	sortRecords(directory)
	sortRecords(collectionPresets)

	presets := make([]Record, 0, len(builtin)+len(directory)+len(collectionPresets))
	presets = append(presets, builtin...)
	presets = append(presets, directory...)
	presets = append(presets, collectionPresets...)
	return presets
}

func readPresetsFromDir(dir, source string, includePath bool) []Record {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".yml") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	records := make([]Record, 0, len(files))
	for _, path := range files {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		record := Record{
			ID:          fmt.Sprintf("%s:%s", source, stem),
			Name:        stem,
			Source:      source,
			Description: readPresetDescription(path),
		}
		if includePath {
			record.Path = path
		}
		records = append(records, record)
	}
	return records
}

func readPresetDescription(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return ""
	}

	description, _ := parsed["description"].(string)
	return description
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].ID < records[j].ID
	})
}
