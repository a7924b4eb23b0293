package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/richinsley/charimage/indexalloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const creatorPrefix = "creator_luna-star_image"

func TestGenerateImmediateReturnsBackendURL(t *testing.T) {
	h := newHarness(t, lunaProfile())
	h.comfy.put(creatorPrefix, 5)
	h.storage.gate = make(chan struct{})

	res := h.coord.Generate(context.Background(), GenerationRequest{
		CharacterID: "42",
		Prompt:      "reading a book",
		Immediate:   true,
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.GeneratedCount)
	assert.Equal(t, h.comfy.srv.URL+"/view?filename=creator_luna-star_image_00006_.png&type=output", res.ImageURL)
	assert.Equal(t, []string{res.ImageURL}, res.ImageURLs)
	assert.False(t, res.UsedEmbedding)

	// the durable copy is written only after the result was returned
	assert.Equal(t, 0, h.storage.uploadCount())
	close(h.storage.gate)
	urls := h.storage.waitUploads(t, 1)
	assert.Equal(t, "https://cdn.test/creator/premade_characters/luna-star/images/creator_luna-star_image_0001.png", urls[0])
}

func TestGenerateFullModeReturnsDurableURL(t *testing.T) {
	h := newHarness(t, lunaProfile())
	h.allocator.Seed("alice", "luna-star", 6)

	seed := int64(1234)
	res := h.coord.Generate(context.Background(), GenerationRequest{
		CharacterID: "42",
		UserID:      "user-7",
		Prompt:      "in a garden",
		Seed:        &seed,
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "https://cdn.test/alice/premade_characters/luna-star/images/alice_luna-star_image_0007.png", res.ImageURL)
	assert.Equal(t, 1, h.storage.uploadCount())

	prompts := h.comfy.submitted()
	require.Len(t, prompts, 1)
	wf := prompts[0]
	_, sampler, ok := wf.FirstNodeWithClass("KSampler")
	require.True(t, ok)
	assert.Equal(t, float64(1234), sampler.Inputs["seed"])
	_, save, _ := wf.FirstNodeWithClass("SaveImage")
	assert.Equal(t, "alice_luna-star_image", save.Inputs["filename_prefix"])
}

func TestGenerateAfterRestartContinuesSequence(t *testing.T) {
	h := newHarness(t, lunaProfile())
	restart := func() *Coordinator {
		deps := h.coord.deps
		deps.Allocator = indexalloc.NewMemory().WithSeeder(StorageSeeder(h.storage, DefaultSubNamespace))
		c, err := NewCoordinator(deps, testOptions())
		require.NoError(t, err)
		return c
	}
	ctx := context.Background()

	res := restart().Generate(ctx, GenerationRequest{CharacterID: "42"})
	require.True(t, res.Success, res.Error)
	res = restart().Generate(ctx, GenerationRequest{CharacterID: "42"})
	require.True(t, res.Success, res.Error)

	assert.Equal(t, []string{
		"creator_luna-star_image_0001.png",
		"creator_luna-star_image_0002.png",
	}, h.storage.filenames())
	assert.Equal(t, "https://cdn.test/creator/premade_characters/luna-star/images/creator_luna-star_image_0002.png", res.ImageURL)
}

func TestGenerateImmediateFallsBackToFullMode(t *testing.T) {
	h := newHarness(t, lunaProfile())
	// accepted but never rendered
	h.comfy.noRender = true

	res := h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42", Immediate: true})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrArtifactNotFound))
	assert.Equal(t, 0, h.storage.uploadCount())
}

func TestGenerateBatchPartialFailure(t *testing.T) {
	h := newHarness(t, lunaProfile())
	h.comfy.failSubmit = func(n int) bool { return n == 2 }

	res := h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42", Quantity: 3})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.GeneratedCount)
	require.Len(t, res.ImageURLs, 2)
	for _, u := range res.ImageURLs {
		assert.True(t, strings.HasPrefix(u, h.comfy.srv.URL+"/view?filename="+creatorPrefix), u)
	}
	assert.NotEqual(t, res.ImageURLs[0], res.ImageURLs[1])
	assert.Equal(t, 3, h.comfy.submitCount())

	// the highest reserved indices pair with the newest files
	h.storage.waitUploads(t, 2)
	assert.Equal(t, []string{"creator_luna-star_image_0002.png", "creator_luna-star_image_0003.png"}, h.storage.filenames())

	// every submission got its own seed
	seeds := map[interface{}]bool{}
	for _, p := range h.comfy.submitted() {
		_, s, _ := p.FirstNodeWithClass("KSampler")
		seeds[s.Inputs["seed"]] = true
	}
	assert.Len(t, seeds, 3)
}

func TestGenerateBatchAllSubmissionsFail(t *testing.T) {
	h := newHarness(t, lunaProfile())
	h.comfy.failSubmit = func(n int) bool { return true }

	res := h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42", Quantity: 2})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrBackendProtocol))
	assert.Empty(t, res.ImageURLs)
}

func TestGenerateSafetyBlocks(t *testing.T) {
	h := newHarness(t, lunaProfile())

	res := h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42", Prompt: "a gory murder scene"})
	assert.False(t, res.Success)
	assert.True(t, IsSafetyViolation(res.Err))
	assert.Contains(t, res.Error, "content blocked due to safety violations")
	assert.Equal(t, 0, h.comfy.submitCount())

	// nothing was reserved either
	next, err := h.allocator.Reserve(context.Background(), "creator", "luna-star", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, next)
}

func TestGenerateAllowsBenignWords(t *testing.T) {
	h := newHarness(t, lunaProfile())
	res := h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42", Prompt: "white dress, skilled swordswoman"})
	assert.True(t, res.Success, res.Error)

	// medium severity words only warn
	res = h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42", Prompt: "standing in a bomb shelter"})
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 2, h.comfy.submitCount())
}

func TestGenerateValidation(t *testing.T) {
	h := newHarness(t, lunaProfile())
	ctx := context.Background()

	res := h.coord.Generate(ctx, GenerationRequest{})
	assert.True(t, errors.Is(res.Err, ErrInvalidRequest))

	res = h.coord.Generate(ctx, GenerationRequest{CharacterID: "42", Quantity: MaxQuantity + 1})
	assert.True(t, errors.Is(res.Err, ErrInvalidRequest))

	res = h.coord.Generate(ctx, GenerationRequest{CharacterID: "nope"})
	assert.True(t, errors.Is(res.Err, ErrCharacterNotFound))

	res = h.coord.Generate(ctx, GenerationRequest{CharacterID: "42", UserID: "ghost"})
	assert.True(t, errors.Is(res.Err, ErrUserNotFound))
	assert.Equal(t, 0, h.comfy.submitCount())
}

func TestGenerateUsesCorpusAndTriggersTraining(t *testing.T) {
	p := lunaProfile()
	p.Corpus = Corpus{
		Status:     CorpusStatusCompleted,
		ImageCount: 6,
		SourceURLs: []string{"1", "2", "3", "4", "5", "6", "7", "8"},
	}
	h := newHarness(t, p)

	res := h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42"})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.UsedEmbedding)

	select {
	case id := <-h.trainer.triggered:
		assert.Equal(t, "42", id)
	case <-time.After(5 * time.Second):
		t.Fatal("training was not triggered")
	}

	_, pos, _ := h.comfy.submitted()[0].FirstNodeWithClass("CLIPTextEncode")
	assert.Contains(t, pos.Inputs["text"], "consistent character design")
}

func TestGenerateTrainedEmbedding(t *testing.T) {
	p := lunaProfile()
	p.EmbeddingName = "luna_ti"
	h := newHarness(t, p)

	res := h.coord.Generate(context.Background(), GenerationRequest{CharacterID: "42"})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.UsedEmbedding)
	assert.NotEmpty(t, h.comfy.submitted()[0].NodesWithClass("TextualInversionLoader"))
	assert.Empty(t, h.trainer.triggered)
}

func TestListImages(t *testing.T) {
	h := newHarness(t, lunaProfile())
	ctx := context.Background()
	path := TargetPath(Namespace{Username: "alice", Sub: DefaultSubNamespace}, "Luna Star")
	for _, name := range []string{"alice_luna-star_image_0001.png", "alice_luna-star_image_0010.png", "notes.txt", "bob_luna-star_image_0002.png"} {
		_, err := h.storage.Upload(ctx, path, name, testPNG, "image/png")
		require.NoError(t, err)
	}

	images, err := h.coord.ListImages(ctx, "user-7", "42")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, 10, images[0].Sequence)
	assert.Equal(t, 1, images[1].Sequence)
	assert.Equal(t, path+"/alice_luna-star_image_0010.png", images[0].Path)
	assert.Equal(t, "https://cdn.test/"+path+"/alice_luna-star_image_0010.png", images[0].URL)

	_, err = h.coord.ListImages(ctx, "user-7", "nope")
	assert.True(t, errors.Is(err, ErrCharacterNotFound))
}

func TestCheckEmbeddingAvailability(t *testing.T) {
	trained := lunaProfile()
	trained.ID = "trained"
	trained.EmbeddingName = "luna_ti"

	none := lunaProfile()
	none.ID = "none"

	pending := lunaProfile()
	pending.ID = "pending"
	pending.Corpus = Corpus{Status: "processing", ImageCount: 2}

	ready := lunaProfile()
	ready.ID = "ready"
	ready.Corpus = Corpus{Status: CorpusStatusCompleted, ImageCount: 5, SourceURLs: []string{"a"}}

	h := newHarness(t, trained, none, pending, ready)
	ctx := context.Background()

	a, err := h.coord.CheckEmbeddingAvailability(ctx, "trained")
	require.NoError(t, err)
	assert.True(t, a.HasEmbeddings)
	assert.Equal(t, "<luna_ti>", a.TrainedToken)
	assert.Equal(t, "trained", a.Status)

	a, err = h.coord.CheckEmbeddingAvailability(ctx, "none")
	require.NoError(t, err)
	assert.False(t, a.HasEmbeddings)
	assert.Equal(t, "no_embeddings", a.Status)

	a, err = h.coord.CheckEmbeddingAvailability(ctx, "pending")
	require.NoError(t, err)
	assert.False(t, a.HasEmbeddings)
	assert.Equal(t, "embedding status: processing", a.Message)

	a, err = h.coord.CheckEmbeddingAvailability(ctx, "ready")
	require.NoError(t, err)
	assert.True(t, a.HasEmbeddings)
	assert.False(t, a.TrainingReady)
	assert.Equal(t, 5, a.TotalImages)

	_, err = h.coord.CheckEmbeddingAvailability(ctx, "nope")
	assert.True(t, errors.Is(err, ErrCharacterNotFound))
}

func TestNewCoordinatorRequiresDeps(t *testing.T) {
	_, err := NewCoordinator(Deps{Logger: zap.NewNop()}, DefaultOptions())
	assert.Error(t, err)
}
