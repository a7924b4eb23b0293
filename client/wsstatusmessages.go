package client

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// WSStatusMessage is one text frame from the /ws endpoint. Data holds a
// pointer to the typed payload for tracked message types, nil otherwise.
type WSStatusMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"Data"`
}

func (sm *WSStatusMessage) UnmarshalJSON(b []byte) error {
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	sm.Type = temp.Type

	switch sm.Type {
	case "status":
		sm.Data = &WSMessageDataStatus{}
	case "execution_start":
		sm.Data = &WSMessageDataExecutionStart{}
	case "executing":
		sm.Data = &WSMessageDataExecuting{}
	case "execution_interrupted":
		sm.Data = &WSMessageExecutionInterrupted{}
	case "execution_error":
		sm.Data = &WSMessageExecutionError{}
	default:
		// progress, previews and custom node messages are not tracked
		sm.Data = nil
	}

	if sm.Data != nil && len(temp.Data) > 0 {
		if err := json.Unmarshal(temp.Data, sm.Data); err != nil {
			return err
		}
	}

	return nil
}

type WSMessageDataStatus struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}


type WSMessageDataExecutionStart struct {
	PromptID string `json:"prompt_id"`
}


// WSMessageDataExecuting reports the node being executed. A nil Node means the
// prompt finished.
type WSMessageDataExecuting struct {
	Node     *int   `json:"node"`
	PromptID string `json:"prompt_id"`
}

func (mde *WSMessageDataExecuting) UnmarshalJSON(b []byte) error {
	var temp struct {
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	mde.PromptID = temp.PromptID

	mde.Node = nil
	if temp.Node == nil {
		return nil
	}
	i, err := strconv.Atoi(*temp.Node)
	if err != nil {
		return fmt.Errorf("executing node %q: %w", *temp.Node, err)
	}
	mde.Node = &i
	return nil
}


// WSMessageExecutionInterrupted and WSMessageExecutionError both mean the
// prompt left the queue without output
type WSMessageExecutionInterrupted struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

type WSMessageExecutionError struct {
	PromptID         string   `json:"prompt_id"`
	Node             string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	Executed         []string `json:"executed"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`
}

// promptID returns the prompt a message refers to, if any
func (sm *WSStatusMessage) promptID() string {
	switch d := sm.Data.(type) {
	case *WSMessageDataExecutionStart:
		return d.PromptID
	case *WSMessageDataExecuting:
		return d.PromptID
	case *WSMessageExecutionInterrupted:
		return d.PromptID
	case *WSMessageExecutionError:
		return d.PromptID
	}
	return ""
}

// signalsProgress reports whether the message may mean a queue entry left the queue
func (sm *WSStatusMessage) signalsProgress() bool {
	switch d := sm.Data.(type) {
	case *WSMessageDataStatus:
		return true
	case *WSMessageDataExecuting:
		return d.Node == nil
	case *WSMessageExecutionInterrupted, *WSMessageExecutionError:
		return true
	}
	return false
}
