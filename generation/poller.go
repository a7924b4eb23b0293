package generation

import (
	"context"
	"time"

	"github.com/richinsley/charimage/client"
	"go.uber.org/zap"
)

// PollPolicy bounds queue polling. A call to AwaitQueueDrain returns within
// MaxAttempts*Delay + Settle.
type PollPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Settle is waited after the loop to let the backend flush files to disk
	Settle time.Duration
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		MaxAttempts: 45,
		Delay:       1500 * time.Millisecond,
		Settle:      time.Second,
	}
}

// QueueSource reports the backend's queue
type QueueSource interface {
	GetQueue(ctx context.Context) (*client.QueueState, error)
}

// Poller waits for jobs to leave the backend queue
type Poller struct {
	policy  PollPolicy
	logger  *zap.Logger
	metrics *Metrics

	// Nudge, when set, returns a channel that wakes the poller between attempts
	// along with a function releasing it
	Nudge func() (<-chan struct{}, func())
	// OnAttempt is called after every queue query
	OnAttempt func(job *GenerationJob, attempt, maxAttempts int)
}

func NewPoller(policy PollPolicy, logger *zap.Logger, metrics *Metrics) *Poller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Poller{
		policy:  policy,
		logger:  logger.Named("poller"),
		metrics: metrics,
	}
}

// AwaitQueueDrain polls until the job is neither pending nor running. Poll
// errors count as attempts. It returns false when the budget runs out or ctx
// ends, and never fails: the caller looks for the image either way.
func (p *Poller) AwaitQueueDrain(ctx context.Context, qs QueueSource, job *GenerationJob) bool {
	var nudge <-chan struct{}
	if p.Nudge != nil {
		ch, release := p.Nudge()
		defer release()
		nudge = ch
	}

	drained := false
	log := p.logger.With(zap.String("prompt_id", job.PromptID))

poll:
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		q, err := qs.GetQueue(ctx)
		switch {
		case err != nil:
			log.Debug("Queue poll failed", zap.Int("attempt", attempt), zap.Error(err))
		case q.IsRunning(job.PromptID):
			job.Status = JobRunning
		case q.IsPending(job.PromptID):
			job.Status = JobQueued
		default:
			drained = true
		}
		if p.OnAttempt != nil {
			p.OnAttempt(job, attempt, p.policy.MaxAttempts)
		}
		if drained || attempt == p.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			break poll
		case <-nudge:
			timer.Stop()
		case <-timer.C:
		}
	}

	if drained {
		job.Status = JobCompletedUnconfirmed
		log.Debug("Job left the queue")
	} else {
		job.Status = JobTimedOut
		p.metrics.pollTimedOut()
		log.Warn("Job still queued after poll budget, looking for the image anyway",
			zap.Int("max_attempts", p.policy.MaxAttempts))
	}

	sleepCtx(ctx, p.policy.Settle)
	return drained
}

// sleepCtx waits d or until ctx ends
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
