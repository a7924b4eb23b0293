package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/richinsley/charimage/client"
	"github.com/richinsley/charimage/graphapi"
	"go.uber.org/zap"
)

// Backend is the part of a ComfyUI server generation talks to.
// *client.ComfyClient implements it.
type Backend interface {
	BaseURL() string
	QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*client.QueueItem, error)
	GetQueue(ctx context.Context) (*client.QueueState, error)
	ImageExists(ctx context.Context, image client.DataOutput) bool
	GetImage(ctx context.Context, image client.DataOutput) ([]byte, error)
	ViewURL(image client.DataOutput) string
}

var _ Backend = (*client.ComfyClient)(nil)

// BackendRouter picks the backend for an art style. Realistic requests go to
// the realistic backend when one is configured; everything else goes to the
// default backend.
type BackendRouter struct {
	defaultBackend   Backend
	realisticBackend Backend
	logger           *zap.Logger
	metrics          *Metrics
}

func NewBackendRouter(defaultBackend, realisticBackend Backend, logger *zap.Logger, metrics *Metrics) *BackendRouter {
	if realisticBackend == nil {
		realisticBackend = defaultBackend
	}
	return &BackendRouter{
		defaultBackend:   defaultBackend,
		realisticBackend: realisticBackend,
		logger:           logger.Named("backend"),
		metrics:          metrics,
	}
}

func (r *BackendRouter) BackendFor(styleHint string) Backend {
	if strings.EqualFold(strings.TrimSpace(styleHint), StyleRealistic) {
		return r.realisticBackend
	}
	return r.defaultBackend
}

// Submit queues a compiled workflow on the backend for styleHint. The
// workflow's SaveImage prefix is recorded on the job for artifact discovery.
func (r *BackendRouter) Submit(ctx context.Context, workflow *graphapi.Prompt, styleHint string) (*GenerationJob, error) {
	backend := r.BackendFor(styleHint)

	item, err := backend.QueuePrompt(ctx, workflow)
	if err != nil {
		r.metrics.submission("error")
		r.logger.Error("Workflow submission failed", zap.String("endpoint", backend.BaseURL()), zap.Error(err))
		return nil, fmt.Errorf("submitting workflow to %s: %w", backend.BaseURL(), err)
	}
	r.metrics.submission("ok")

	job := &GenerationJob{
		PromptID:    item.PromptID,
		Number:      item.Number,
		SubmittedAt: time.Now(),
		Endpoint:    backend.BaseURL(),
		Status:      JobSubmitted,
	}
	if _, node, ok := workflow.FirstNodeWithClass("SaveImage"); ok {
		if prefix, ok := node.Inputs["filename_prefix"].(string); ok {
			job.Prefix = prefix
		}
	}
	r.logger.Info("Workflow submitted",
		zap.String("prompt_id", job.PromptID),
		zap.Int("number", job.Number),
		zap.String("endpoint", job.Endpoint))
	return job, nil
}
