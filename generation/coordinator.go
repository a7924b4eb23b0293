package generation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tunes the coordinator. Zero durations disable the matching wait.
type Options struct {
	// SubNamespace is the folder below the username holding generated images
	SubNamespace string
	// LinearScanLimit enables a linear scan of that many suffixes before the
	// latest-search in full mode. 0 disables it.
	LinearScanLimit int
	// FullModeRounds is how many times full mode looks for the image
	FullModeRounds     int
	FullModeRoundDelay time.Duration
	// BatchSettleDelay is waited after every batch job left the queue
	BatchSettleDelay time.Duration
	// InterItemDelay spaces out batch lookups to spare the backend
	InterItemDelay time.Duration
	// MaxConcurrentSubmissions bounds batch fan-out. 0 means no limit.
	MaxConcurrentSubmissions int
	// EmbeddingMinImages is the corpus size that makes it usable
	EmbeddingMinImages int
	// TrainingMinSources is the number of corpus sources needed to train an embedding
	TrainingMinSources int
}

const DefaultSubNamespace = "premade_characters"

func DefaultOptions() Options {
	return Options{
		SubNamespace:       DefaultSubNamespace,
		LinearScanLimit:    0,
		FullModeRounds:     2,
		FullModeRoundDelay: 2 * time.Second,
		BatchSettleDelay:   2 * time.Second,
		InterItemDelay:     time.Second,
		EmbeddingMinImages: 5,
		TrainingMinSources: 8,
	}
}

// Deps are the collaborators of a Coordinator. Trainer and Metrics are optional.
type Deps struct {
	Characters CharacterStore
	Users      UserStore
	Safety     SafetyChecker
	Allocator  IndexAllocator
	Backends   *BackendRouter
	Poller     *Poller
	Locator    *Locator
	Persister  *Persister
	Storage    Storage
	Trainer    EmbeddingTrainer
	Logger     *zap.Logger
	Metrics    *Metrics
}

// Coordinator runs a generation request end to end
type Coordinator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func NewCoordinator(deps Deps, opts Options) (*Coordinator, error) {
	switch {
	case deps.Characters == nil:
		return nil, errors.New("character store is required")
	case deps.Users == nil:
		return nil, errors.New("user store is required")
	case deps.Safety == nil:
		return nil, errors.New("safety checker is required")
	case deps.Allocator == nil:
		return nil, errors.New("index allocator is required")
	case deps.Backends == nil || deps.Poller == nil || deps.Locator == nil:
		return nil, errors.New("backend router, poller and locator are required")
	case deps.Persister == nil || deps.Storage == nil:
		return nil, errors.New("persister and storage are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.SubNamespace == "" {
		opts.SubNamespace = DefaultSubNamespace
	}
	if opts.FullModeRounds < 1 {
		opts.FullModeRounds = 1
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.Named("coordinator"),
	}, nil
}

// run is the state of one Generate call
type run struct {
	req           GenerationRequest
	profile       *CharacterProfile
	prompts       PromptPair
	ns            Namespace
	prefix        string
	style         string
	baseSeed      int64
	usedEmbedding bool
	log           *zap.Logger
}

// Generate produces req.Quantity images. Failures are reported in the
// result, with Err carrying the first fatal cause.
func (c *Coordinator) Generate(ctx context.Context, req GenerationRequest) GenerationResult {
	start := time.Now()
	log := c.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("character_id", req.CharacterID))

	urls, usedEmbedding, err := c.generate(ctx, req, log)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		outcome := "failure"
		if IsSafetyViolation(err) {
			outcome = "blocked"
		}
		c.deps.Metrics.generation(outcome, elapsed)
		log.Error("Generation failed", zap.Error(err), zap.Float64("elapsed_seconds", elapsed))
		return GenerationResult{
			Success:        false,
			ImageURLs:      []string{},
			ElapsedSeconds: elapsed,
			Error:          err.Error(),
			Err:            err,
		}
	}

	outcome := "success"
	if len(urls) < req.Normalized().Quantity {
		outcome = "partial"
	}
	c.deps.Metrics.generation(outcome, elapsed)
	log.Info("Generation finished",
		zap.Int("generated", len(urls)),
		zap.Bool("used_embedding", usedEmbedding),
		zap.Float64("elapsed_seconds", elapsed))

	return GenerationResult{
		Success:        true,
		ImageURLs:      urls,
		ImageURL:       urls[0],
		GeneratedCount: len(urls),
		UsedEmbedding:  usedEmbedding,
		ElapsedSeconds: elapsed,
	}
}

func (c *Coordinator) generate(ctx context.Context, req GenerationRequest, log *zap.Logger) ([]string, bool, error) {
	if req.CharacterID == "" {
		return nil, false, fmt.Errorf("%w: character id is required", ErrInvalidRequest)
	}
	if req.Quantity > MaxQuantity {
		return nil, false, fmt.Errorf("%w: quantity %d exceeds %d", ErrInvalidRequest, req.Quantity, MaxQuantity)
	}
	norm := req.Normalized()

	profile, err := c.deps.Characters.GetCharacter(ctx, norm.CharacterID)
	if err != nil {
		return nil, false, err
	}

	r := &run{
		req:     norm,
		profile: profile,
		style:   StyleHint(profile, norm),
		log:     log,
	}
	r.usedEmbedding = c.decideEmbedding(ctx, profile, log)
	r.prompts = PromptPair{
		Positive: BuildPositive(profile, norm.Prompt, r.usedEmbedding),
		Negative: BuildNegative(profile, norm.NegativePrompt),
	}

	verdict, err := c.deps.Safety.Check(ctx, r.prompts.Positive)
	if err != nil {
		return nil, false, fmt.Errorf("safety check: %w", err)
	}
	if !verdict.Allowed {
		log.Warn("Prompt blocked by safety gate",
			zap.String("severity", string(verdict.Severity)),
			zap.String("user_id", norm.UserID),
			zap.Strings("reasons", verdict.Reasons))
		return nil, false, &SafetyViolationError{Severity: verdict.Severity, Reasons: verdict.Reasons}
	}
	if len(verdict.Warnings) > 0 {
		log.Warn("Prompt contains sensitive words",
			zap.String("user_id", norm.UserID),
			zap.Strings("warnings", verdict.Warnings))
	}

	r.ns, err = c.namespace(ctx, norm.UserID, profile)
	if err != nil {
		return nil, false, err
	}

	indices, err := c.deps.Allocator.Reserve(ctx, r.ns.Username, Sanitize(profile.Name), norm.Quantity)
	if err != nil {
		return nil, false, fmt.Errorf("reserving indices: %w", err)
	}

	r.prefix = FilenamePrefix(r.ns.Username, profile.Name)
	if norm.Seed != nil {
		r.baseSeed = *norm.Seed
	} else {
		r.baseSeed = rand.Int63n(SeedRange)
	}
	r.log = log.With(zap.String("prefix", r.prefix), zap.Ints("indices", indices))

	if norm.Quantity == 1 {
		url, err := c.generateSingle(ctx, r, indices[0])
		if err != nil {
			return nil, false, err
		}
		return []string{url}, r.usedEmbedding, nil
	}

	urls, err := c.generateBatch(ctx, r, indices)
	if err != nil {
		return nil, false, err
	}
	return urls, r.usedEmbedding, nil
}

func (c *Coordinator) corpusReady(corpus Corpus) bool {
	return corpus.Status == CorpusStatusCompleted && corpus.ImageCount >= c.opts.EmbeddingMinImages
}

// decideEmbedding prefers a trained embedding, then a usable corpus. A usable
// corpus with enough sources also starts training in the background.
func (c *Coordinator) decideEmbedding(ctx context.Context, profile *CharacterProfile, log *zap.Logger) bool {
	if profile.EmbeddingName != "" {
		return true
	}
	if !c.corpusReady(profile.Corpus) {
		return false
	}
	if c.deps.Trainer != nil && len(profile.Corpus.SourceURLs) >= c.opts.TrainingMinSources {
		bg := context.WithoutCancel(ctx)
		go func() {
			if err := c.deps.Trainer.TriggerTraining(bg, profile); err != nil {
				log.Warn("Background embedding training failed to start", zap.Error(err))
			}
		}()
	}
	return true
}

// namespace resolves whose folder receives the images: the requesting user,
// else the character's creator
func (c *Coordinator) namespace(ctx context.Context, userID string, profile *CharacterProfile) (Namespace, error) {
	if userID == "" {
		userID = profile.CreatorID
	}
	if userID == "" {
		return Namespace{}, fmt.Errorf("%w: no user and character %s has no creator", ErrUserNotFound, profile.ID)
	}
	user, err := c.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return Namespace{}, err
	}
	return Namespace{Username: user.Username, Sub: c.opts.SubNamespace}, nil
}

func (c *Coordinator) generateSingle(ctx context.Context, r *run, seq int) (string, error) {
	backend := c.deps.Backends.BackendFor(r.style)
	wf := CompileWorkflow(r.profile, r.prompts, r.req, r.prefix, 0, r.baseSeed)

	job, err := c.deps.Backends.Submit(ctx, &wf, r.style)
	if err != nil {
		return "", err
	}
	c.deps.Poller.AwaitQueueDrain(ctx, backend, job)

	if r.req.Immediate {
		a, err := c.deps.Locator.FindLatest(ctx, backend, r.prefix, false)
		if err == nil {
			a.Sequence = seq
			c.schedule(r, a)
			return a.URL, nil
		}
		r.log.Warn("Immediate lookup found nothing, falling back to full mode", zap.Error(err))
	}

	var a *GeneratedArtifact
	var lookErr error
	for round := 1; round <= c.opts.FullModeRounds; round++ {
		if c.opts.LinearScanLimit > 0 {
			a, lookErr = c.deps.Locator.ScanLinear(ctx, backend, r.prefix, c.opts.LinearScanLimit)
		}
		if a == nil {
			a, lookErr = c.deps.Locator.FindLatest(ctx, backend, r.prefix, true)
		}
		if a != nil {
			break
		}
		r.log.Debug("Image not found yet", zap.Int("round", round), zap.Error(lookErr))
		if round < c.opts.FullModeRounds {
			sleepCtx(ctx, c.opts.FullModeRoundDelay)
		}
	}
	if a == nil {
		return "", lookErr
	}

	a.Sequence = seq
	a.TargetPath = TargetPath(r.ns, r.profile.Name)
	url, err := c.deps.Persister.Persist(ctx, ArtifactSource{Data: a.Data, URL: a.URL}, r.ns, r.profile.Name, seq)
	if err != nil {
		a.UploadStatus = UploadFailed
		return "", err
	}
	a.UploadStatus = UploadUploaded
	a.DurableURL = url
	return url, nil
}

// schedule hands a located image to the detached persister
func (c *Coordinator) schedule(r *run, a *GeneratedArtifact) {
	a.TargetPath = TargetPath(r.ns, r.profile.Name)
	err := c.deps.Persister.Schedule(PersistTask{
		Source:    ArtifactSource{URL: a.URL},
		Namespace: r.ns,
		Entity:    r.profile.Name,
		Sequence:  a.Sequence,
	})
	if err != nil {
		r.log.Error("Could not schedule detached upload",
			zap.String("filename", a.Filename),
			zap.Int("sequence", a.Sequence),
			zap.Error(err))
	}
}

// generateBatch submits every image concurrently, waits for the backend,
// then pairs the reserved indices, highest first, with the newest backend
// suffixes.
func (c *Coordinator) generateBatch(ctx context.Context, r *run, indices []int) ([]string, error) {
	backend := c.deps.Backends.BackendFor(r.style)
	n := len(indices)
	jobs := make([]*GenerationJob, n)
	errs := make([]error, n)

	var g errgroup.Group
	if c.opts.MaxConcurrentSubmissions > 0 {
		g.SetLimit(c.opts.MaxConcurrentSubmissions)
	}
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			wf := CompileWorkflow(r.profile, r.prompts, r.req, r.prefix, i, r.baseSeed)
			job, err := c.deps.Backends.Submit(ctx, &wf, r.style)
			if err != nil {
				r.log.Warn("Batch submission failed", zap.Int("ordinal", i), zap.Error(err))
				errs[i] = err
				return nil
			}
			jobs[i] = job
			return nil
		})
	}
	g.Wait()

	submitted := make([]*GenerationJob, 0, n)
	for _, j := range jobs {
		if j != nil {
			submitted = append(submitted, j)
		}
	}
	if len(submitted) == 0 {
		return nil, fmt.Errorf("all %d submissions failed: %w", n, errors.Join(errs...))
	}
	r.log.Info("Batch submitted", zap.Int("submitted", len(submitted)), zap.Int("requested", n))

	var pg errgroup.Group
	for _, job := range submitted {
		job := job
		pg.Go(func() error {
			c.deps.Poller.AwaitQueueDrain(ctx, backend, job)
			return nil
		})
	}
	pg.Wait()
	sleepCtx(ctx, c.opts.BatchSettleDelay)

	latest := c.deps.Locator.LatestSuffix(ctx, backend, r.prefix)

	sorted := append([]int{}, indices...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	claimed := make(map[int]bool)
	urls := make([]string, 0, len(submitted))
	for k := 0; k < len(submitted); k++ {
		seq := sorted[k]

		var a *GeneratedArtifact
		if latest > 0 {
			if found, err := c.deps.Locator.FindSpecific(ctx, backend, r.prefix, latest-k); err == nil && !claimed[found.Suffix] {
				a = found
			}
		}
		if a == nil {
			found, err := c.deps.Locator.FindLatestExcluding(ctx, backend, r.prefix, false, claimed)
			if err != nil {
				r.log.Warn("No image for reserved index", zap.Int("sequence", seq), zap.Error(err))
				continue
			}
			r.log.Debug("Using fallback image", zap.Int("sequence", seq), zap.String("filename", found.Filename))
			a = found
		}

		claimed[a.Suffix] = true
		a.Sequence = seq
		c.schedule(r, a)
		urls = append(urls, a.URL)

		if k < len(submitted)-1 {
			sleepCtx(ctx, c.opts.InterItemDelay)
		}
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: none of %d submitted images could be located", ErrNoImages, len(submitted))
	}
	return urls, nil
}

// ListImages returns the durable images a user generated for a character,
// newest first
func (c *Coordinator) ListImages(ctx context.Context, userID, characterID string) ([]StoredImage, error) {
	profile, err := c.deps.Characters.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	ns, err := c.namespace(ctx, userID, profile)
	if err != nil {
		return nil, err
	}

	path := TargetPath(ns, profile.Name)
	objs, err := c.deps.Storage.List(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	pattern := durablePattern(ns.Username, profile.Name)
	retv := make([]StoredImage, 0, len(objs))
	for _, o := range objs {
		m := pattern.FindStringSubmatch(o.Name)
		if m == nil {
			continue
		}
		seq, _ := strconv.Atoi(m[1])
		retv = append(retv, StoredImage{
			URL:        o.URL,
			Filename:   o.Name,
			Path:       path + "/" + o.Name,
			Sequence:   seq,
			ModifiedAt: o.ModifiedAt,
		})
	}
	sort.Slice(retv, func(i, j int) bool {
		return retv[i].Sequence > retv[j].Sequence
	})
	return retv, nil
}

// CheckEmbeddingAvailability reports whether a character's generations can
// use an embedding
func (c *Coordinator) CheckEmbeddingAvailability(ctx context.Context, characterID string) (EmbeddingAvailability, error) {
	profile, err := c.deps.Characters.GetCharacter(ctx, characterID)
	if err != nil {
		return EmbeddingAvailability{}, err
	}

	if profile.EmbeddingName != "" {
		return EmbeddingAvailability{
			HasEmbeddings: true,
			TrainedToken:  EmbeddingToken(profile.EmbeddingName),
			Status:        "trained",
			TotalImages:   profile.Corpus.ImageCount,
			Message:       "trained embedding available",
		}, nil
	}

	corpus := profile.Corpus
	if corpus.Status == "" {
		return EmbeddingAvailability{
			Status:  "no_embeddings",
			Message: "no embeddings generated for this character",
		}, nil
	}

	retv := EmbeddingAvailability{
		HasEmbeddings: c.corpusReady(corpus),
		Status:        corpus.Status,
		TotalImages:   corpus.ImageCount,
		TrainingReady: len(corpus.SourceURLs) >= c.opts.TrainingMinSources,
	}
	if corpus.Status == CorpusStatusCompleted {
		retv.Message = fmt.Sprintf("%d embedding images available", corpus.ImageCount)
	} else {
		retv.Message = "embedding status: " + corpus.Status
	}
	return retv, nil
}
