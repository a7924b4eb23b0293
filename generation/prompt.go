package generation

import (
	"strings"
)

var qualityTokens = []string{
	"masterpiece", "best quality", "high resolution", "extremely detailed",
	"8K", "Full HD", "detailed face", "detailed eyes", "detailed skin",
}

var consistencyTokens = []string{
	"consistent character design", "same character", "character consistency",
}

var closingTokens = []string{
	"sharp focus", "detailed face", "beautiful eyes",
}

// FallbackNegativePrompt is used when a character has no stored negative template
var FallbackNegativePrompt = strings.Join([]string{
	"lowres", "bad anatomy", "bad hands", "text", "error",
	"missing fingers", "extra digit", "fewer digits", "cropped",
	"worst quality", "low quality", "normal quality", "jpeg artifacts",
	"signature", "watermark", "username", "blurry", "ugly",
	"duplicate", "morbid", "mutilated", "out of frame", "extra fingers",
	"mutated hands", "poorly drawn hands", "poorly drawn face",
	"mutation", "deformed", "bad proportions", "malformed limbs",
	"extra limbs", "cloned face", "disfigured", "gross proportions",
	"missing arms", "missing legs", "extra arms", "extra legs",
	"fused fingers", "too many fingers", "long neck", "oversaturated",
	"bad composition", "bad lighting", "pixelated", "low detail",
}, ", ")

const descriptionLimit = 200

// EmbeddingToken is the prompt marker of a trained textual inversion
func EmbeddingToken(name string) string {
	return "<" + name + ">"
}

// BuildPositive assembles the positive prompt. useEmbedding reflects the
// embedding decision; a trained embedding adds its token, while an
// embedding decided from the raw corpus alone adds consistency tokens.
func BuildPositive(profile *CharacterProfile, userPrompt string, useEmbedding bool) string {
	parts := append([]string{}, qualityTokens...)

	if profile.EmbeddingName != "" {
		parts = append(parts, EmbeddingToken(profile.EmbeddingName))
	}

	if profile.Template.Prompt != "" {
		parts = append(parts, profile.Template.Prompt)
	} else {
		parts = append(parts, truncateRunes(profile.Description, descriptionLimit), profile.MainTrait)
		if profile.ArtStyle != "" {
			parts = append(parts, profile.ArtStyle+" style")
		}
	}

	parts = append(parts, userPrompt)

	if useEmbedding && profile.EmbeddingName == "" {
		parts = append(parts, consistencyTokens...)
	}

	parts = append(parts, closingTokens...)
	return joinNonEmpty(parts)
}

// BuildNegative assembles the negative prompt from the caller's override and
// the stored template, or the fallback block
func BuildNegative(profile *CharacterProfile, override string) string {
	parts := []string{strings.TrimSpace(override)}
	if profile.Template.NegativePrompt != "" {
		parts = append(parts, profile.Template.NegativePrompt)
	} else {
		parts = append(parts, FallbackNegativePrompt)
	}
	return joinNonEmpty(parts)
}

func joinNonEmpty(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
