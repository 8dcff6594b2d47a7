package collection

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ralph-run/ralph-api/internal/rpcerr"
	"gopkg.in/yaml.v3"
)

type exportPreset struct {
	EventLoop exportEventLoop         `yaml:"event_loop"`
	CLI       exportCLI               `yaml:"cli"`
	Hats      map[string]exportHat    `yaml:"hats"`
	Events    map[string]exportEvent  `yaml:"events,omitempty"`
}

type exportEventLoop struct {
	CompletionPromise string `yaml:"completion_promise"`
	StartingEvent     string `yaml:"starting_event"`
	MaxIterations     uint32 `yaml:"max_iterations"`
}

type exportCLI struct {
	Backend    string `yaml:"backend"`
	PromptMode string `yaml:"prompt_mode"`
}

type exportHat struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	Triggers          []string `yaml:"triggers"`
	Publishes         []string `yaml:"publishes"`
	Instructions      string   `yaml:"instructions,omitempty"`
	DefaultPublishes  string   `yaml:"default_publishes,omitempty"`
}

type exportEvent struct {
	Description string `yaml:"description"`
}

// graphFromYAML builds a GraphData from a hat-graph YAML document: one node
// per hat (sorted by key), laid out in a vertical column, with edges derived
// from publisher/subscriber overlap per event name.
func graphFromYAML(content string) (GraphData, *rpcerr.Error) {
	var root map[string]any
	if err := yaml.Unmarshal([]byte(content), &root); err != nil {
		return GraphData{}, rpcerr.Newf(rpcerr.InvalidParams, "invalid YAML payload: %v", err)
	}
	if root == nil {
		return GraphData{}, rpcerr.New(rpcerr.InvalidParams, "collection.import yaml must be a mapping")
	}

	hatsValue, ok := root["hats"]
	if !ok {
		return GraphData{}, rpcerr.New(rpcerr.InvalidParams, "collection.import yaml must define hats")
	}
	hatsMapping, ok := hatsValue.(map[string]any)
	if !ok {
		return GraphData{}, rpcerr.New(rpcerr.InvalidParams, "collection.import hats must be a mapping")
	}

	hatKeys := make([]string, 0, len(hatsMapping))
	for key := range hatsMapping {
		hatKeys = append(hatKeys, key)
	}
	sort.Strings(hatKeys)

	var nodes []GraphNode
	eventPublishers := map[string][]string{}
	eventSubscribers := map[string][]string{}
	yPosition := 50.0

	for _, hatKey := range hatKeys {
		config, ok := hatsMapping[hatKey].(map[string]any)
		if !ok {
			return GraphData{}, rpcerr.Newf(rpcerr.InvalidParams, "collection.import hat '%s' must be an object", hatKey)
		}

		name := yamlStringField(config, "name")
		if name == "" {
			name = hatKey
		}
		description := yamlStringField(config, "description")
		triggers := yamlStringList(config, "triggers")
		publishes := yamlStringList(config, "publishes")
		instructions := yamlStringField(config, "instructions")

		nodeID := hatKey
		for _, eventName := range publishes {
			eventPublishers[eventName] = append(eventPublishers[eventName], nodeID)
		}
		for _, eventName := range triggers {
			eventSubscribers[eventName] = append(eventSubscribers[eventName], nodeID)
		}

		nodes = append(nodes, GraphNode{
			ID:       nodeID,
			NodeType: "hatNode",
			Position: NodePosition{X: 250, Y: yPosition},
			Data: HatNodeData{
				Key:          hatKey,
				Name:         name,
				Description:  description,
				TriggersOn:   triggers,
				Publishes:    publishes,
				Instructions: instructions,
			},
		})
		yPosition += 200
	}

	var edges []GraphEdge
	seenEdges := map[string]struct{}{}
	edgeIndex := 0

	eventNames := make([]string, 0, len(eventPublishers))
	for eventName := range eventPublishers {
		eventNames = append(eventNames, eventName)
	}
	sort.Strings(eventNames)

	for _, eventName := range eventNames {
		publishers := eventPublishers[eventName]
		subscribers := eventSubscribers[eventName]

		for _, publisher := range publishers {
			for _, subscriber := range subscribers {
				if publisher == subscriber {
					continue
				}
				edgeKey := publisher + "\x00" + subscriber + "\x00" + eventName
				if _, dup := seenEdges[edgeKey]; dup {
					continue
				}
				seenEdges[edgeKey] = struct{}{}

				edges = append(edges, GraphEdge{
					ID:           fmt.Sprintf("edge-%d", edgeIndex),
					Source:       publisher,
					Target:       subscriber,
					SourceHandle: eventName,
					TargetHandle: eventName,
					Label:        eventName,
				})
				edgeIndex++
			}
		}
	}

	return GraphData{
		Nodes:    nodes,
		Edges:    edges,
		Viewport: Viewport{X: 0, Y: 0, Zoom: 0.8},
	}, nil
}

// exportCollectionYAML renders collection as a hat-graph YAML preset,
// reconstructing each hat's triggers/publishes from its graph edges.
func exportCollectionYAML(collection *Record, now time.Time) (string, *rpcerr.Error) {
	hatTriggers := map[string]map[string]struct{}{}
	hatPublishes := map[string]map[string]struct{}{}
	allEvents := map[string]struct{}{}

	for _, node := range collection.Graph.Nodes {
		hatTriggers[node.ID] = toSet(node.Data.TriggersOn)
		hatPublishes[node.ID] = toSet(node.Data.Publishes)
	}

	for _, edge := range collection.Graph.Edges {
		eventName := strings.TrimSpace(edge.Label)
		if eventName == "" {
			eventName = fmt.Sprintf("%s_to_%s", edge.Source, edge.Target)
		}
		allEvents[eventName] = struct{}{}

		if publishes, ok := hatPublishes[edge.Source]; ok {
			publishes[eventName] = struct{}{}
		}
		if triggers, ok := hatTriggers[edge.Target]; ok {
			triggers[eventName] = struct{}{}
		}
	}

	orderedNodes := make([]GraphNode, len(collection.Graph.Nodes))
	copy(orderedNodes, collection.Graph.Nodes)
	sort.Slice(orderedNodes, func(i, j int) bool {
		if orderedNodes[i].Data.Key != orderedNodes[j].Data.Key {
			return orderedNodes[i].Data.Key < orderedNodes[j].Data.Key
		}
		return orderedNodes[i].ID < orderedNodes[j].ID
	})

	hats := make(map[string]exportHat, len(orderedNodes))
	for _, node := range orderedNodes {
		triggers := sortedKeys(hatTriggers[node.ID])
		publishes := sortedKeys(hatPublishes[node.ID])

		var defaultPublishes string
		if len(publishes) > 0 {
			defaultPublishes = publishes[0]
		}

		hats[node.Data.Key] = exportHat{
			Name:             node.Data.Name,
			Description:      node.Data.Description,
			Triggers:         triggers,
			Publishes:        publishes,
			Instructions:     node.Data.Instructions,
			DefaultPublishes: defaultPublishes,
		}
	}

	events := make(map[string]exportEvent, len(allEvents))
	for eventName := range allEvents {
		events[eventName] = exportEvent{Description: fmt.Sprintf("Event: %s", eventName)}
	}

	preset := exportPreset{
		EventLoop: exportEventLoop{
			CompletionPromise: "LOOP_COMPLETE",
			StartingEvent:     "task.start",
			MaxIterations:     50,
		},
		CLI:    exportCLI{Backend: "claude", PromptMode: "arg"},
		Hats:   hats,
		Events: events,
	}

	yamlBody, err := yaml.Marshal(preset)
	if err != nil {
		return "", rpcerr.Newf(rpcerr.Internal, "failed serializing collection yaml: %v", err)
	}

	description := collection.Description
	if description == "" {
		description = "Generated by Ralph Hat Collection Builder"
	}
	header := fmt.Sprintf("# %s\n# %s\n# Generated at: %s\n\n", collection.Name, description, nowTs(now))

	return header + string(yamlBody), nil
}

func yamlStringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func yamlStringList(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
