package client

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// DataOutput addresses one file served by the backend's /view endpoint
type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// OutputImage addresses a file in the backend's output folder
func OutputImage(filename string) DataOutput {
	return DataOutput{
		Filename: filename,
		Type:     string(OutputImageType),
	}
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

// QueueState is the body of GET /queue. Each entry is laid out as
//
//	[ number, prompt_id, prompt, extra_data, outputs_to_execute ]
type QueueState struct {
	Running [][]interface{} `json:"queue_running"`
	Pending [][]interface{} `json:"queue_pending"`
}

func queueContains(entries [][]interface{}, promptID string) bool {
	for _, e := range entries {
		if len(e) < 2 {
			continue
		}
		if id, ok := e[1].(string); ok && id == promptID {
			return true
		}
	}
	return false
}

// IsPending reports whether the prompt is waiting in the queue
func (q *QueueState) IsPending(promptID string) bool {
	return queueContains(q.Pending, promptID)
}

// IsRunning reports whether the prompt is currently executing
func (q *QueueState) IsRunning(promptID string) bool {
	return queueContains(q.Running, promptID)
}

// Contains reports whether the prompt is either pending or running
func (q *QueueState) Contains(promptID string) bool {
	return q.IsPending(promptID) || q.IsRunning(promptID)
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError            `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}
