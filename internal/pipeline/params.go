package pipeline

import (
	"encoding/json"

	"github.com/ralph-run/ralph-api/internal/rpcerr"
	"github.com/ralph-run/ralph-api/internal/task"
)

// IDOnlyParams is the shape of every request whose only parameter is a
// resource id, e.g. task.get, loop.discard, collection.delete.
type IDOnlyParams struct {
	ID string `json:"id"`
}

func parseParams[T any](raw json.RawMessage, method string) (T, *rpcerr.Error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, rpcerr.InvalidParamsf("%s params do not match the expected shape: %v", method, err)
	}
	return out, nil
}

func requireID(id, method string) *rpcerr.Error {
	if id == "" {
		return rpcerr.InvalidParamsf("%s requires a non-empty 'id'", method)
	}
	return nil
}

// taskCreateWire is the wire shape of task.create, converted into
// task.CreateInput before reaching the domain.
type taskCreateWire struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Status          *task.Status  `json:"status,omitempty"`
	Priority        *int          `json:"priority,omitempty"`
	BlockedBy       string        `json:"blockedBy,omitempty"`
	MergeLoopPrompt string        `json:"mergeLoopPrompt,omitempty"`
	AutoExecute     *bool         `json:"autoExecute,omitempty"`
}

func parseTaskCreateParams(raw json.RawMessage) (task.CreateInput, *rpcerr.Error) {
	wire, err := parseParams[taskCreateWire](raw, "task.create")
	if err != nil {
		return task.CreateInput{}, err
	}
	if wire.ID == "" {
		return task.CreateInput{}, rpcerr.InvalidParamsf("task.create requires a non-empty 'id'")
	}
	return task.CreateInput{
		ID:              wire.ID,
		Title:           wire.Title,
		Status:          wire.Status,
		Priority:        wire.Priority,
		BlockedBy:       wire.BlockedBy,
		MergeLoopPrompt: wire.MergeLoopPrompt,
		AutoExecute:     wire.AutoExecute,
	}, nil
}

// parseTaskUpdateParams mirrors the original implementation's hand-rolled
// object walk: blockedBy is tri-state (absent = unchanged, null = clear,
// string = set), which a plain json.Unmarshal into a pointer field cannot
// distinguish from "absent".
func parseTaskUpdateParams(raw json.RawMessage) (string, task.UpdateInput, *rpcerr.Error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return "", task.UpdateInput{}, rpcerr.InvalidParamsf("task.update params must be an object: %v", err)
	}

	var id string
	if raw, ok := object["id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	if id == "" {
		return "", task.UpdateInput{}, rpcerr.InvalidParamsf("task.update requires a non-empty 'id'")
	}

	var in task.UpdateInput
	if raw, ok := object["title"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", task.UpdateInput{}, rpcerr.InvalidParamsf("task.update title must be a string")
		}
		in.Title = &v
	}
	if raw, ok := object["status"]; ok {
		var v task.Status
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", task.UpdateInput{}, rpcerr.InvalidParamsf("task.update status must be a string")
		}
		in.Status = &v
	}
	if raw, ok := object["priority"]; ok {
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", task.UpdateInput{}, rpcerr.InvalidParamsf("task.update priority must be a number")
		}
		in.Priority = &v
	}
	if raw, ok := object["mergeLoopPrompt"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", task.UpdateInput{}, rpcerr.InvalidParamsf("task.update mergeLoopPrompt must be a string")
		}
		in.MergeLoopPrompt = &v
	}
	if raw, ok := object["blockedBy"]; ok {
		if string(raw) == "null" {
			cleared := ""
			in.BlockedBy = &cleared
		} else {
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return "", task.UpdateInput{}, rpcerr.InvalidParamsf("task.update blockedBy must be a string or null")
			}
			in.BlockedBy = &v
		}
	}

	return id, in, nil
}

type loopRetryWire struct {
	ID            string `json:"id"`
	SteeringInput string `json:"steeringInput,omitempty"`
}

type loopForceWire struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

type streamUnsubscribeWire struct {
	SubscriptionID string `json:"subscriptionId"`
}

type streamAckWire struct {
	SubscriptionID string `json:"subscriptionId"`
	Cursor         string `json:"cursor"`
}
