package generation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/richinsley/charimage/client"
	"github.com/richinsley/charimage/indexalloc"
	"go.uber.org/zap"
)

// RetryPolicy governs detached persistence
type RetryPolicy struct {
	Attempts        int
	Backoff         time.Duration
	DownloadTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        2,
		Backoff:         2 * time.Second,
		DownloadTimeout: 15 * time.Second,
	}
}

// ArtifactSource is either the image bytes or a URL to download them from
type ArtifactSource struct {
	Data []byte
	URL  string
}

// TargetPath is the durable folder holding a user's images of a character
func TargetPath(ns Namespace, entity string) string {
	return fmt.Sprintf("%s/%s/%s/images", ns.Username, ns.Sub, Sanitize(entity))
}

// DurableFilename names the seq-th durable image of a character
func DurableFilename(username, entity string, seq int) string {
	return fmt.Sprintf("%s_%s_image_%04d.png", username, Sanitize(entity), seq)
}

// durablePattern matches the DurableFilename names of username's images of entity
func durablePattern(username, entity string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(fmt.Sprintf("%s_%s_image_", username, Sanitize(entity))) + `(\d+)\.png$`)
}

// StorageSeeder recovers the highest durable sequence of a (username,
// entity) pair from storage so an in-memory allocator survives restarts
// without renaming over earlier images.
func StorageSeeder(s Storage, sub string) indexalloc.SeedFunc {
	return func(ctx context.Context, owner, entity string) (int, error) {
		path := TargetPath(Namespace{Username: owner, Sub: sub}, entity)
		objs, err := s.List(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("listing %s: %w", path, err)
		}
		pattern := durablePattern(owner, entity)
		highest := 0
		for _, o := range objs {
			m := pattern.FindStringSubmatch(o.Name)
			if m == nil {
				continue
			}
			if seq, err := strconv.Atoi(m[1]); err == nil && seq > highest {
				highest = seq
			}
		}
		return highest, nil
	}
}

// PersistTask is one detached upload
type PersistTask struct {
	Source    ArtifactSource
	Namespace Namespace
	Entity    string
	Sequence  int
	// Done, when set, receives the outcome after the last attempt
	Done func(url string, err error)
}

// Persister copies located images to durable storage, inline or on a
// bounded pool of background workers
type Persister struct {
	storage    Storage
	httpclient *http.Client
	policy     RetryPolicy
	logger     *zap.Logger
	metrics    *Metrics

	mu     sync.Mutex
	closed bool
	tasks  chan PersistTask
	wg     sync.WaitGroup
}

func NewPersister(storage Storage, policy RetryPolicy, workers, queueSize int, logger *zap.Logger, metrics *Metrics) *Persister {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	p := &Persister{
		storage:    storage,
		httpclient: &http.Client{},
		policy:     policy,
		logger:     logger.Named("persister"),
		metrics:    metrics,
		tasks:      make(chan PersistTask, queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// SetHttpClient replaces the client used to download source URLs
func (p *Persister) SetHttpClient(c *http.Client) {
	p.httpclient = c
}

// Persist uploads the image inline with a single attempt and returns its
// durable URL
func (p *Persister) Persist(ctx context.Context, src ArtifactSource, ns Namespace, entity string, seq int) (string, error) {
	if seq < 1 {
		return "", ErrMissingSequence
	}
	url, err := p.persistOnce(ctx, src, ns, entity, seq)
	if err != nil {
		p.metrics.upload("inline", "error")
		return "", err
	}
	p.metrics.upload("inline", "ok")
	return url, nil
}

// Schedule queues a detached upload. It fails only when the task is invalid
// or cannot be queued; upload failures are logged by the worker.
func (p *Persister) Schedule(task PersistTask) error {
	if task.Sequence < 1 {
		return ErrMissingSequence
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPersisterClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish or ctx to end
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persister) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		url, err := p.runDetached(task)
		if task.Done != nil {
			task.Done(url, err)
		}
	}
}

func (p *Persister) runDetached(task PersistTask) (string, error) {
	log := p.logger.With(
		zap.String("username", task.Namespace.Username),
		zap.String("entity", task.Entity),
		zap.Int("sequence", task.Sequence))

	var lastErr error
	for attempt := 1; attempt <= p.policy.Attempts; attempt++ {
		url, err := p.persistOnce(context.Background(), task.Source, task.Namespace, task.Entity, task.Sequence)
		if err == nil {
			p.metrics.upload("detached", "ok")
			log.Info("Image persisted", zap.String("url", url), zap.Int("attempt", attempt))
			return url, nil
		}
		lastErr = err
		log.Warn("Detached upload attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < p.policy.Attempts {
			time.Sleep(p.policy.Backoff)
		}
	}

	p.metrics.upload("detached", "error")
	log.Error("Detached upload gave up", zap.Int("attempts", p.policy.Attempts), zap.Error(lastErr))
	return "", lastErr
}

func (p *Persister) persistOnce(ctx context.Context, src ArtifactSource, ns Namespace, entity string, seq int) (string, error) {
	data := src.Data
	if len(data) == 0 {
		if src.URL == "" {
			return "", fmt.Errorf("%w: no image data or source URL", ErrUploadFailed)
		}
		var err error
		data, err = p.download(ctx, src.URL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
	}
	if !client.IsPNG(data) {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, client.ErrNotPNG)
	}

	path := TargetPath(ns, entity)
	filename := DurableFilename(ns.Username, entity, seq)
	url, err := p.storage.Upload(ctx, path, filename, data, "image/png")
	if err != nil {
		return "", err
	}
	return url, nil
}

func (p *Persister) download(ctx context.Context, url string) ([]byte, error) {
	if p.policy.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.policy.DownloadTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
