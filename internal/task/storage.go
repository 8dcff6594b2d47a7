package task

import (
	"path/filepath"

	"github.com/ralph-run/ralph-api/internal/filestore"
)

// FilePersister writes the task snapshot directly to tasks-v1.json under the
// workspace root's private state directory. Matches the source's choice not
// to use temp-file-and-rename for this particular snapshot.
type FilePersister struct {
	path string
}

// NewFilePersister constructs a FilePersister rooted at workspaceRoot.
func NewFilePersister(workspaceRoot string) *FilePersister {
	return &FilePersister{path: filepath.Join(workspaceRoot, ".ralph", "api", "tasks-v1.json")}
}

type fileSnapshot struct {
	Tasks        []*Task `json:"tasks"`
	QueueCounter uint64  `json:"queueCounter"`
}

func (p *FilePersister) Save(tasks []*Task, queueCounter uint64) error {
	return filestore.WriteJSON(p.path, fileSnapshot{Tasks: tasks, QueueCounter: queueCounter})
}

// Load restores a previously persisted snapshot, if present.
func (p *FilePersister) Load() (tasks []*Task, queueCounter uint64, err error) {
	var snap fileSnapshot
	ok, err := filestore.ReadJSON(p.path, &snap)
	if err != nil || !ok {
		return nil, 0, err
	}
	return snap.Tasks, snap.QueueCounter, nil
}
