package generation

import (
	"fmt"
	"strings"

	"github.com/richinsley/charimage/graphapi"
)

const (
	RealisticModel = "cyberrealistic.safetensors"
	DefaultModel   = "diving.safetensors"

	SamplerName = "dpmpp_2m_sde_gpu"
	Scheduler   = "karras"
	Denoise     = 1.0

	// random seeds are drawn from [0, SeedRange)
	SeedRange = 1_000_000
)

const StyleRealistic = "realistic"

var styleModels = map[string]string{
	StyleRealistic: RealisticModel,
	"anime":        DefaultModel,
	"cartoon":      DefaultModel,
	"fantasy":      DefaultModel,
}

// ModelForStyle maps an art style hint to a base checkpoint. Unknown and
// empty hints get DefaultModel.
func ModelForStyle(style string) string {
	if m, ok := styleModels[strings.ToLower(strings.TrimSpace(style))]; ok {
		return m
	}
	return DefaultModel
}

// Sanitize lowercases name and replaces every character outside [a-z0-9] with '-'
func Sanitize(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// FilenamePrefix is the SaveImage prefix. The backend appends its own
// "_NNNNN_.png" counter to it.
func FilenamePrefix(username, characterName string) string {
	return fmt.Sprintf("%s_%s_image", username, Sanitize(characterName))
}

// StyleHint picks the art style driving model and endpoint selection
func StyleHint(profile *CharacterProfile, req GenerationRequest) string {
	if req.ArtStyle != "" {
		return req.ArtStyle
	}
	return profile.ArtStyle
}

// SelectModel resolves the checkpoint: request override, then the stored
// template model, then the style table
func SelectModel(profile *CharacterProfile, req GenerationRequest) string {
	if req.ModelOverride != "" {
		return req.ModelOverride
	}
	if profile.Template.Model != "" {
		return profile.Template.Model
	}
	return ModelForStyle(StyleHint(profile, req))
}

type PromptPair struct {
	Positive string
	Negative string
}

// CompileWorkflow builds the graph for one image. req must be normalized.
// ordinal offsets baseSeed so every image of a batch gets its own seed.
func CompileWorkflow(profile *CharacterProfile, prompts PromptPair, req GenerationRequest, prefix string, ordinal int, baseSeed int64) graphapi.Prompt {
	b := graphapi.NewBuilder()

	ckpt := b.Add(graphapi.CheckpointLoad{CkptName: SelectModel(profile, req)})
	model := ckpt.Out(graphapi.CheckpointModelSlot)
	clip := ckpt.Out(graphapi.CheckpointClipSlot)

	if profile.EmbeddingName != "" {
		emb := b.Add(graphapi.EmbeddingInject{
			Clip:          clip,
			EmbeddingName: profile.EmbeddingName + ".safetensors",
		})
		clip = emb.Out(0)
	}

	if req.Adapter != nil {
		lora := b.Add(graphapi.AdapterInject{
			Model:    model,
			Clip:     clip,
			LoraName: req.Adapter.Name,
			Strength: req.Adapter.Strength,
		})
		model = lora.Out(graphapi.AdapterModelSlot)
		clip = lora.Out(graphapi.AdapterClipSlot)
	}

	pos := b.Add(graphapi.TextEncode{Clip: clip, Text: prompts.Positive})
	neg := b.Add(graphapi.TextEncode{Clip: clip, Text: prompts.Negative})
	latent := b.Add(graphapi.LatentInit{Width: req.Width, Height: req.Height, BatchSize: 1})
	sampler := b.Add(graphapi.Sample{
		Model:       model,
		Positive:    pos.Out(0),
		Negative:    neg.Out(0),
		Latent:      latent.Out(0),
		Seed:        baseSeed + int64(ordinal),
		Steps:       req.Steps,
		CFG:         req.CFGScale,
		SamplerName: SamplerName,
		Scheduler:   Scheduler,
		Denoise:     Denoise,
	})
	decode := b.Add(graphapi.Decode{Samples: sampler.Out(0), VAE: ckpt.Out(graphapi.CheckpointVAESlot)})
	b.Add(graphapi.Save{Images: decode.Out(0), FilenamePrefix: prefix})

	return b.Prompt("")
}
