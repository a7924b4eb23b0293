package graphapi

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID  string                 `json:"client_id"`
	Nodes     map[int]PromptNode     `json:"prompt"`
	ExtraData map[string]interface{} `json:"extra_data,omitempty"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	float64, int, int64, bool
	//	string
	//	Link, serialized as [ "originID", originSlot ]
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
}

// UnmarshalJSON decodes inputs, turning [ "originID", originSlot ] tuples back into Links
func (n *PromptNode) UnmarshalJSON(b []byte) error {
	var raw struct {
		Inputs    map[string]json.RawMessage `json:"inputs"`
		ClassType string                     `json:"class_type"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	n.ClassType = raw.ClassType
	n.Inputs = make(map[string]interface{}, len(raw.Inputs))
	for name, msg := range raw.Inputs {
		var link Link
		if len(msg) > 0 && msg[0] == '[' && json.Unmarshal(msg, &link) == nil {
			n.Inputs[name] = link
			continue
		}
		var v interface{}
		if err := json.Unmarshal(msg, &v); err != nil {
			return fmt.Errorf("input %q: %w", name, err)
		}
		n.Inputs[name] = v
	}
	return nil
}

// NodeIDs returns the ids of the prompt's nodes in ascending order
func (p *Prompt) NodeIDs() []int {
	ids := make([]int, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NodesWithClass returns the ids of all nodes of the given class type, in ascending order
func (p *Prompt) NodesWithClass(classType string) []int {
	retv := make([]int, 0)
	for _, id := range p.NodeIDs() {
		if p.Nodes[id].ClassType == classType {
			retv = append(retv, id)
		}
	}
	return retv
}

// FirstNodeWithClass returns the lowest id node of the given class type
func (p *Prompt) FirstNodeWithClass(classType string) (int, PromptNode, bool) {
	ids := p.NodesWithClass(classType)
	if len(ids) == 0 {
		return 0, PromptNode{}, false
	}
	return ids[0], p.Nodes[ids[0]], true
}

// Validate checks that every link input points at an existing node that was added
// before the node that consumes it.
func (p *Prompt) Validate() error {
	for id, node := range p.Nodes {
		for name, input := range node.Inputs {
			link, ok := input.(Link)
			if !ok {
				continue
			}
			if _, exists := p.Nodes[link.OriginID]; !exists {
				return fmt.Errorf("node %d input %q links to missing node %d", id, name, link.OriginID)
			}
			if link.OriginID >= id {
				return fmt.Errorf("node %d input %q links forward to node %d", id, name, link.OriginID)
			}
		}
	}
	return nil
}
