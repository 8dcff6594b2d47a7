package streambus

import (
	"fmt"
	"strings"

	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

// subscriptionFilters narrows a subscription to matching resource ids/types.
type subscriptionFilters struct {
	resourceIDs   map[string]struct{}
	resourceTypes map[string]struct{}
}

func filtersFromJSON(raw any) (subscriptionFilters, *rpcerr.Error) {
	f := subscriptionFilters{resourceIDs: map[string]struct{}{}, resourceTypes: map[string]struct{}{}}
	if raw == nil {
		return f, nil
	}
	object, ok := raw.(map[string]any)
	if !ok {
		return f, rpcerr.New(rpcerr.InvalidParams, "stream.subscribe filters must be an object").WithDetails(map[string]any{"filters": raw})
	}

	for _, key := range []string{"resourceId", "resourceIds", "taskId", "taskIds"} {
		if err := parseFilterSet(object, key, f.resourceIDs); err != nil {
			return f, err
		}
	}
	for _, key := range []string{"resourceType", "resourceTypes"} {
		if err := parseFilterSet(object, key, f.resourceTypes); err != nil {
			return f, err
		}
	}
	return f, nil
}

func parseFilterSet(object map[string]any, key string, target map[string]struct{}) *rpcerr.Error {
	value, ok := object[key]
	if !ok {
		return nil
	}

	if single, ok := value.(string); ok {
		if strings.TrimSpace(single) != "" {
			target[single] = struct{}{}
		}
		return nil
	}

	if values, ok := value.([]any); ok {
		for _, item := range values {
			s, ok := item.(string)
			if !ok {
				return rpcerr.InvalidParamsf("filters.%s entries must be strings", key)
			}
			if strings.TrimSpace(s) != "" {
				target[s] = struct{}{}
			}
		}
		return nil
	}

	return rpcerr.InvalidParamsf("filters.%s must be a string or string array", key)
}

func (f subscriptionFilters) matches(event StreamEventEnvelope) bool {
	if len(f.resourceIDs) > 0 {
		if _, ok := f.resourceIDs[event.Resource.ID]; !ok {
			return false
		}
	}
	if len(f.resourceTypes) > 0 {
		if _, ok := f.resourceTypes[event.Resource.Kind]; !ok {
			return false
		}
	}
	return true
}

func normalizeTopics(topics []string, knownTopics []string) ([]string, *rpcerr.Error) {
	if len(topics) == 0 {
		return nil, rpcerr.New(rpcerr.InvalidParams, "stream.subscribe requires at least one topic")
	}

	known := make(map[string]struct{}, len(knownTopics))
	for _, t := range knownTopics {
		known[t] = struct{}{}
	}

	var accepted []string
	seen := map[string]struct{}{}
	for _, topic := range topics {
		if _, ok := known[topic]; !ok {
			return nil, rpcerr.InvalidParamsf("unknown stream topic '%s'", topic).
				WithDetails(map[string]any{"topic": topic, "knownTopics": knownTopics})
		}
		if _, dup := seen[topic]; !dup {
			seen[topic] = struct{}{}
			accepted = append(accepted, topic)
		}
	}
	return accepted, nil
}

func validateCursor(cursor string) *rpcerr.Error {
	_, err := cursorSequence(cursor)
	return err
}

func cursorSequence(cursor string) (uint64, *rpcerr.Error) {
	idx := strings.LastIndex(cursor, "-")
	if idx < 0 {
		return 0, invalidCursor(cursor)
	}
	var sequence uint64
	if _, scanErr := fmt.Sscanf(cursor[idx+1:], "%d", &sequence); scanErr != nil {
		return 0, invalidCursor(cursor)
	}
	return sequence, nil
}

func invalidCursor(cursor string) *rpcerr.Error {
	return rpcerr.New(rpcerr.InvalidParams, "cursor must match '<epochMillis>-<sequence>' format").
		WithDetails(map[string]any{"cursor": cursor})
}

func cursorIsOlder(candidate, current string) (bool, *rpcerr.Error) {
	candidateSeq, err := cursorSequence(candidate)
	if err != nil {
		return false, err
	}
	currentSeq, err := cursorSequence(current)
	if err != nil {
		return false, err
	}
	return candidateSeq < currentSeq, nil
}
