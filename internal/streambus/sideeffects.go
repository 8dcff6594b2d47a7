package streambus

// PublishRPCSideEffect translates a completed mutating RPC call into the
// corresponding stream event(s), mirroring the teacher's method-to-topic
// side-effect table. params and result are the decoded request params and
// response result respectively; unmapped methods are a no-op.
func (b *Bus) PublishRPCSideEffect(method string, params, result map[string]any) {
	switch method {
	case "task.create":
		if taskID, status, ok := taskIDAndStatus(result); ok {
			b.Publish("task.status.changed", "task", taskID, map[string]any{"from": "none", "to": status})
		}
	case "task.update", "task.close", "task.cancel", "task.retry", "task.run":
		if taskID, status, ok := taskIDAndStatus(result); ok {
			b.Publish("task.status.changed", "task", taskID, map[string]any{"from": "unknown", "to": status})
		}
	case "loop.merge":
		if loopID, ok := stringField(params, "id"); ok {
			b.Publish("loop.merge.progress", "loop", loopID, map[string]any{"loopId": loopID, "stage": "merged"})
		}
	case "loop.retry":
		if loopID, ok := stringField(params, "id"); ok {
			b.Publish("loop.merge.progress", "loop", loopID, map[string]any{"loopId": loopID, "stage": "queued"})
		}
	case "loop.discard":
		if loopID, ok := stringField(params, "id"); ok {
			b.Publish("loop.merge.progress", "loop", loopID, map[string]any{"loopId": loopID, "stage": "discarded"})
		}
	case "planning.start":
		if session, ok := mapField(result, "session"); ok {
			sessionID, hasID := stringField(session, "id")
			prompt, hasPrompt := stringField(session, "prompt")
			if hasID && hasPrompt {
				b.Publish("planning.prompt.issued", "planning", sessionID, map[string]any{
					"sessionId": sessionID,
					"promptId":  "initial",
					"prompt":    prompt,
				})
			}
		}
	case "planning.respond":
		sessionID, hasSession := stringField(params, "sessionId")
		promptID, hasPrompt := stringField(params, "promptId")
		if hasSession && hasPrompt {
			b.Publish("planning.response.recorded", "planning", sessionID, map[string]any{
				"sessionId": sessionID,
				"promptId":  promptID,
			})
		}
	case "config.update":
		b.Publish("config.updated", "config", "ralph.yml", map[string]any{"path": "ralph.yml", "updatedBy": "rpc-v1"})
	case "collection.create":
		if collectionID, ok := nestedStringField(result, "collection", "id"); ok {
			b.Publish("collection.updated", "collection", collectionID, map[string]any{"collectionId": collectionID, "action": "created"})
		}
	case "collection.update":
		if collectionID, ok := nestedStringField(result, "collection", "id"); ok {
			b.Publish("collection.updated", "collection", collectionID, map[string]any{"collectionId": collectionID, "action": "updated"})
		}
	case "collection.delete":
		if collectionID, ok := stringField(params, "id"); ok {
			b.Publish("collection.updated", "collection", collectionID, map[string]any{"collectionId": collectionID, "action": "deleted"})
		}
	case "collection.import":
		if collectionID, ok := nestedStringField(result, "collection", "id"); ok {
			b.Publish("collection.updated", "collection", collectionID, map[string]any{"collectionId": collectionID, "action": "imported"})
		}
	}
}

func taskIDAndStatus(result map[string]any) (string, string, bool) {
	task, ok := mapField(result, "task")
	if !ok {
		return "", "", false
	}
	id, hasID := stringField(task, "id")
	status, hasStatus := stringField(task, "status")
	if !hasID || !hasStatus {
		return "", "", false
	}
	return id, status, true
}

func mapField(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]any)
	return nested, ok
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func nestedStringField(m map[string]any, outerKey, innerKey string) (string, bool) {
	outer, ok := mapField(m, outerKey)
	if !ok {
		return "", false
	}
	return stringField(outer, innerKey)
}
