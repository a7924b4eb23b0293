package generation

import (
	"time"
)

// Template is the generation template stored with a character when it was created
type Template struct {
	Prompt         string `json:"prompt" yaml:"prompt"`
	NegativePrompt string `json:"negative_prompt" yaml:"negative_prompt"`
	Model          string `json:"model" yaml:"model"`
}

const CorpusStatusCompleted = "completed"

// Corpus describes the reference images collected for a character
type Corpus struct {
	Status     string   `json:"status" yaml:"status"`
	ImageCount int      `json:"image_count" yaml:"image_count"`
	SourceURLs []string `json:"source_urls" yaml:"source_urls"`
}

// CharacterProfile is the read-only view of a character used for generation
type CharacterProfile struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	CreatorID   string   `json:"creator_id" yaml:"creator_id"`
	Description string   `json:"description" yaml:"description"`
	MainTrait   string   `json:"main_trait" yaml:"main_trait"`
	ArtStyle    string   `json:"art_style" yaml:"art_style"`
	Template    Template `json:"template" yaml:"template"`
	// EmbeddingName is the trained textual inversion, if any
	EmbeddingName string `json:"embedding_name" yaml:"embedding_name"`
	Corpus        Corpus `json:"corpus" yaml:"corpus"`
}

type User struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
}

// AdapterSelection picks a LoRA style adapter
type AdapterSelection struct {
	Name     string  `json:"name"`
	Strength float64 `json:"strength"`
}

const (
	DefaultWidth           = 1024
	DefaultHeight          = 1536
	DefaultSteps           = 35
	DefaultCFGScale        = 8.0
	DefaultAdapterName     = "gothic.safetensors"
	DefaultAdapterStrength = 0.8
	MaxAdapterStrength     = 1.5
	MaxQuantity            = 10
)

type GenerationRequest struct {
	CharacterID    string            `json:"character_id"`
	UserID         string            `json:"user_id,omitempty"`
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Width          int               `json:"width,omitempty"`
	Height         int               `json:"height,omitempty"`
	Steps          int               `json:"steps,omitempty"`
	CFGScale       float64           `json:"cfg_scale,omitempty"`
	Seed           *int64            `json:"seed,omitempty"`
	Quantity       int               `json:"quantity,omitempty"`
	Adapter        *AdapterSelection `json:"adapter,omitempty"`
	ModelOverride  string            `json:"model,omitempty"`
	ArtStyle       string            `json:"art_style,omitempty"`
	// Immediate returns the backend URL as soon as the image is located and
	// persists it in the background
	Immediate bool `json:"immediate,omitempty"`
}

// Normalized returns a copy with defaults applied. The receiver is not modified.
func (r GenerationRequest) Normalized() GenerationRequest {
	if r.Width <= 0 {
		r.Width = DefaultWidth
	}
	if r.Height <= 0 {
		r.Height = DefaultHeight
	}
	if r.Steps <= 0 {
		r.Steps = DefaultSteps
	}
	if r.CFGScale <= 0 {
		r.CFGScale = DefaultCFGScale
	}
	if r.Quantity <= 0 {
		r.Quantity = 1
	}
	if r.Seed != nil {
		seed := *r.Seed
		r.Seed = &seed
	}
	if r.Adapter != nil {
		a := *r.Adapter
		if a.Name == "" {
			a.Name = DefaultAdapterName
		}
		if a.Strength <= 0 {
			a.Strength = DefaultAdapterStrength
		}
		a.Strength = clamp(a.Strength, 0, MaxAdapterStrength)
		r.Adapter = &a
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type JobStatus string

const (
	JobSubmitted            JobStatus = "submitted"
	JobQueued               JobStatus = "queued"
	JobRunning              JobStatus = "running"
	JobCompletedUnconfirmed JobStatus = "completed-unconfirmed"
	JobTimedOut             JobStatus = "timed-out"
)

// GenerationJob is one prompt accepted by the backend
type GenerationJob struct {
	PromptID    string
	Number      int
	SubmittedAt time.Time
	Endpoint    string
	Prefix      string
	Status      JobStatus
}

type UploadStatus string

const (
	UploadPending  UploadStatus = "pending"
	UploadUploaded UploadStatus = "uploaded"
	UploadFailed   UploadStatus = "failed"
)

// GeneratedArtifact is an image found on the backend. Suffix is the
// backend's own file counter, Sequence the allocator number used for the
// durable name.
type GeneratedArtifact struct {
	Filename     string
	Suffix       int
	URL          string
	Data         []byte
	TargetPath   string
	Sequence     int
	UploadStatus UploadStatus
	DurableURL   string
}

type GenerationResult struct {
	Success   bool     `json:"success"`
	ImageURLs []string `json:"imageUrls"`
	// ImageURL is the first entry of ImageURLs
	ImageURL       string  `json:"imageUrl,omitempty"`
	GeneratedCount int     `json:"generatedCount"`
	UsedEmbedding  bool    `json:"usedEmbedding"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Error          string  `json:"error,omitempty"`
	Err            error   `json:"-"`
}

// Namespace is the storage home of a user's images
type Namespace struct {
	Username string
	Sub      string
}

// StoredImage is one durable image returned by the list read path
type StoredImage struct {
	URL        string    `json:"url"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Sequence   int       `json:"sequence"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
}

type EmbeddingAvailability struct {
	HasEmbeddings bool   `json:"hasEmbeddings"`
	TrainedToken  string `json:"trainedToken,omitempty"`
	Status        string `json:"status"`
	TotalImages   int    `json:"totalImages"`
	TrainingReady bool   `json:"trainingReady"`
	Message       string `json:"message"`
}
