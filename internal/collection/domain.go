package collection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

type snapshot struct {
	Collections []Record `json:"collections"`
	IDCounter   uint64   `json:"idCounter"`
}

// Domain implements CRUD plus YAML import/export for hat-graph collections,
// persisted as a single JSON snapshot under .ralph/api/collections-v1.json.
type Domain struct {
	mu          sync.Mutex
	storePath   string
	collections map[string]Record
	idCounter   uint64
	now         func() time.Time
}

// NewDomain constructs a Domain rooted at workspaceRoot, loading any
// previously persisted snapshot.
func NewDomain(workspaceRoot string) *Domain {
	d := &Domain{
		storePath:   filepath.Join(workspaceRoot, ".ralph", "api", "collections-v1.json"),
		collections: make(map[string]Record),
		now:         time.Now,
	}
	d.load()
	return d
}

// List returns every collection summary, sorted by name then id.
func (d *Domain) List() []Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := make([]Summary, 0, len(d.collections))
	for _, c := range d.collections {
		entries = append(entries, Summary{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Get returns a single collection by id.
func (d *Domain) Get(id string) (*Record, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked(id)
}

func (d *Domain) getLocked(id string) (*Record, *rpcerr.Error) {
	c, ok := d.collections[id]
	if !ok {
		return nil, collectionNotFound(id)
	}
	cp := c
	return &cp, nil
}

// Create inserts a new collection and returns it.
func (d *Domain) Create(params CreateParams) (*Record, *rpcerr.Error) {
	graph := DefaultGraphData()
	if params.Graph != nil {
		graph = *params.Graph
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := nowTs(d.now())
	id := d.nextCollectionIDLocked()

	record := Record{
		ID:          id,
		Name:        params.Name,
		Description: params.Description,
		Graph:       graph,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	d.collections[id] = record

	if err := d.persistLocked(); err != nil {
		return nil, err
	}
	return d.getLocked(id)
}

// Update applies the given fields to an existing collection.
func (d *Domain) Update(params UpdateParams) (*Record, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.collections[params.ID]
	if !ok {
		return nil, collectionNotFound(params.ID)
	}

	if params.Name != nil {
		record.Name = *params.Name
	}
	if params.Description != nil {
		record.Description = *params.Description
	}
	if params.Graph != nil {
		record.Graph = *params.Graph
	}
	record.UpdatedAt = nowTs(d.now())

	d.collections[params.ID] = record
	if err := d.persistLocked(); err != nil {
		return nil, err
	}
	return d.getLocked(params.ID)
}

// Delete removes a collection by id.
func (d *Domain) Delete(id string) *rpcerr.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.collections[id]; !ok {
		return collectionNotFound(id)
	}
	delete(d.collections, id)
	return d.persistLocked()
}

// Import parses yamlContent as a hat-graph YAML document and creates a new
// collection from it.
func (d *Domain) Import(params ImportParams) (*Record, *rpcerr.Error) {
	graph, err := graphFromYAML(params.YAML)
	if err != nil {
		return nil, err
	}
	return d.Create(CreateParams{Name: params.Name, Description: params.Description, Graph: &graph})
}

// Export renders a collection as a hat-graph YAML preset document.
func (d *Domain) Export(id string) (string, *rpcerr.Error) {
	record, err := d.Get(id)
	if err != nil {
		return "", err
	}
	return exportCollectionYAML(record, d.now())
}

func (d *Domain) nextCollectionIDLocked() string {
	d.idCounter++
	return fmt.Sprintf("collection-%d-%04x", d.now().UnixMilli(), d.idCounter)
}

func (d *Domain) load() {
	content, err := os.ReadFile(d.storePath)
	if err != nil {
		return
	}

	var snap snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		return
	}

	d.collections = make(map[string]Record, len(snap.Collections))
	for _, c := range snap.Collections {
		d.collections[c.ID] = c
	}
	d.idCounter = snap.IDCounter
}

func (d *Domain) persistLocked() *rpcerr.Error {
	if err := os.MkdirAll(filepath.Dir(d.storePath), 0o755); err != nil {
		return rpcerr.Newf(rpcerr.Internal, "failed creating collection snapshot directory '%s': %v", filepath.Dir(d.storePath), err)
	}

	snap := snapshot{Collections: d.sortedRecordsLocked(), IDCounter: d.idCounter}
	payload, marshalErr := json.MarshalIndent(snap, "", "  ")
	if marshalErr != nil {
		return rpcerr.Newf(rpcerr.Internal, "failed serializing collections snapshot: %v", marshalErr)
	}

	if err := os.WriteFile(d.storePath, payload, 0o644); err != nil {
		return rpcerr.Newf(rpcerr.Internal, "failed writing collection snapshot '%s': %v", d.storePath, err)
	}
	return nil
}

func (d *Domain) sortedRecordsLocked() []Record {
	records := make([]Record, 0, len(d.collections))
	for _, c := range d.collections {
		records = append(records, c)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].ID < records[j].ID
	})
	return records
}

func collectionNotFound(id string) *rpcerr.Error {
	return rpcerr.Newf(rpcerr.CollectionNotFound, "Collection with id '%s' not found", id).
		WithDetails(map[string]any{"collectionId": id})
}

func nowTs(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05Z")
}
