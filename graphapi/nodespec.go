package graphapi

// NodeSpec is one typed node of a generation graph. Each variant knows the
// ComfyUI class it maps to and how to render its inputs.
type NodeSpec interface {
	ClassType() string
	Inputs() map[string]interface{}
}

// Output slots of the nodes that expose more than one output
const (
	CheckpointModelSlot = 0
	CheckpointClipSlot  = 1
	CheckpointVAESlot   = 2

	AdapterModelSlot = 0
	AdapterClipSlot  = 1
)

// CheckpointLoad loads a base model checkpoint (MODEL, CLIP, VAE)
type CheckpointLoad struct {
	CkptName string
}

func (n CheckpointLoad) ClassType() string { return "CheckpointLoaderSimple" }

func (n CheckpointLoad) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"ckpt_name": n.CkptName,
	}
}

// EmbeddingInject loads a textual inversion embedding into the text encoder (CLIP)
type EmbeddingInject struct {
	Clip          Link
	EmbeddingName string
}

func (n EmbeddingInject) ClassType() string { return "TextualInversionLoader" }

func (n EmbeddingInject) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"clip":           n.Clip,
		"embedding_name": n.EmbeddingName,
	}
}

// AdapterInject applies a LoRA style adapter to both the model and the text encoder
type AdapterInject struct {
	Model    Link
	Clip     Link
	LoraName string
	Strength float64
}

func (n AdapterInject) ClassType() string { return "LoraLoader" }

func (n AdapterInject) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"model":          n.Model,
		"clip":           n.Clip,
		"lora_name":      n.LoraName,
		"strength_model": n.Strength,
		"strength_clip":  n.Strength,
	}
}

// TextEncode turns prompt text into conditioning
type TextEncode struct {
	Clip Link
	Text string
}

func (n TextEncode) ClassType() string { return "CLIPTextEncode" }

func (n TextEncode) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"clip": n.Clip,
		"text": n.Text,
	}
}

// LatentInit creates an empty latent of the requested size
type LatentInit struct {
	Width     int
	Height    int
	BatchSize int
}

func (n LatentInit) ClassType() string { return "EmptyLatentImage" }

func (n LatentInit) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"width":      n.Width,
		"height":     n.Height,
		"batch_size": n.BatchSize,
	}
}

// Sample runs the diffusion sampler
type Sample struct {
	Model       Link
	Positive    Link
	Negative    Link
	Latent      Link
	Seed        int64
	Steps       int
	CFG         float64
	SamplerName string
	Scheduler   string
	Denoise     float64
}

func (n Sample) ClassType() string { return "KSampler" }

func (n Sample) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"model":        n.Model,
		"positive":     n.Positive,
		"negative":     n.Negative,
		"latent_image": n.Latent,
		"seed":         n.Seed,
		"steps":        n.Steps,
		"cfg":          n.CFG,
		"sampler_name": n.SamplerName,
		"scheduler":    n.Scheduler,
		"denoise":      n.Denoise,
	}
}

// Decode converts latents back to pixels
type Decode struct {
	Samples Link
	VAE     Link
}

func (n Decode) ClassType() string { return "VAEDecode" }

func (n Decode) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"samples": n.Samples,
		"vae":     n.VAE,
	}
}

// Save writes images to the backend's output folder. The backend appends its own
// incrementing "_NNNNN_" suffix to FilenamePrefix.
type Save struct {
	Images         Link
	FilenamePrefix string
}

func (n Save) ClassType() string { return "SaveImage" }

func (n Save) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"images":          n.Images,
		"filename_prefix": n.FilenamePrefix,
	}
}

// NodeRef identifies a node added to a Builder
type NodeRef struct {
	ID int
}

// Out returns a link to one of the node's output slots
func (r NodeRef) Out(slot int) Link {
	return Link{OriginID: r.ID, OriginSlot: slot}
}

// Builder assembles NodeSpecs into a Prompt. Node ids are assigned in insertion
// order starting at 0, so a node can only link to nodes added before it.
type Builder struct {
	nodes map[int]PromptNode
	next  int
}

func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[int]PromptNode),
	}
}

// Add appends a node and returns its reference
func (b *Builder) Add(spec NodeSpec) NodeRef {
	id := b.next
	b.next++
	b.nodes[id] = PromptNode{
		ClassType: spec.ClassType(),
		Inputs:    spec.Inputs(),
	}
	return NodeRef{ID: id}
}

// Len returns the number of nodes added so far
func (b *Builder) Len() int {
	return b.next
}

// Prompt returns the assembled prompt for the given client id
func (b *Builder) Prompt(clientID string) Prompt {
	nodes := make(map[int]PromptNode, len(b.nodes))
	for k, v := range b.nodes {
		nodes[k] = v
	}
	return Prompt{
		ClientID: clientID,
		Nodes:    nodes,
	}
}
