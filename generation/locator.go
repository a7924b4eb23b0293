package generation

import (
	"context"
	"fmt"

	"github.com/richinsley/charimage/client"
	"go.uber.org/zap"
)

// LocatePolicy tunes artifact discovery
type LocatePolicy struct {
	// SearchCeiling is the first upper bound of the binary search. It doubles
	// while the file at the bound exists.
	SearchCeiling int
	// Slack is added above the binary search result before scanning down,
	// because the suffix sequence may have gaps
	Slack int
	// ReverseCap bounds where the reverse scan starts
	ReverseCap int
	// MissStreak ends a linear scan once this many misses follow a hit
	MissStreak int
}

func DefaultLocatePolicy() LocatePolicy {
	return LocatePolicy{
		SearchCeiling: 100,
		Slack:         50,
		ReverseCap:    200,
		MissStreak:    3,
	}
}

// BackendFilename is the name the backend gives the suffix-th image saved with prefix
func BackendFilename(prefix string, suffix int) string {
	return fmt.Sprintf("%s_%05d_.png", prefix, suffix)
}

// FileServer serves the backend's output folder
type FileServer interface {
	ImageExists(ctx context.Context, image client.DataOutput) bool
	GetImage(ctx context.Context, image client.DataOutput) ([]byte, error)
	ViewURL(image client.DataOutput) string
}

// Locator finds generated images by probing backend filenames, since the
// backend does not report what it wrote
type Locator struct {
	policy  LocatePolicy
	logger  *zap.Logger
	metrics *Metrics
}

func NewLocator(policy LocatePolicy, logger *zap.Logger, metrics *Metrics) *Locator {
	return &Locator{
		policy:  policy,
		logger:  logger.Named("locator"),
		metrics: metrics,
	}
}

func artifact(fs FileServer, prefix string, suffix int) *GeneratedArtifact {
	name := BackendFilename(prefix, suffix)
	return &GeneratedArtifact{
		Filename:     name,
		Suffix:       suffix,
		URL:          fs.ViewURL(client.OutputImage(name)),
		UploadStatus: UploadPending,
	}
}

func (l *Locator) exists(ctx context.Context, fs FileServer, prefix string, suffix int) bool {
	return fs.ImageExists(ctx, client.OutputImage(BackendFilename(prefix, suffix)))
}

// ScanLinear downloads suffixes 1..max in order and returns the highest one
// found. The scan stops early after MissStreak consecutive misses once
// something was found.
func (l *Locator) ScanLinear(ctx context.Context, fs FileServer, prefix string, max int) (*GeneratedArtifact, error) {
	var last *GeneratedArtifact
	misses := 0
	for suffix := 1; suffix <= max; suffix++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.GetImage(ctx, client.OutputImage(BackendFilename(prefix, suffix)))
		if err != nil || len(data) == 0 {
			misses++
			if last != nil && misses >= l.policy.MissStreak {
				break
			}
			continue
		}
		misses = 0
		last = artifact(fs, prefix, suffix)
		last.Data = data
	}

	if last == nil {
		l.metrics.locateMissed("linear")
		return nil, fmt.Errorf("%w: linear scan of %s up to %d", ErrArtifactNotFound, prefix, max)
	}
	l.logger.Debug("Linear scan hit", zap.String("filename", last.Filename))
	return last, nil
}

// FindLatest returns the most recent image saved with prefix. The upper bound
// starts at SearchCeiling and doubles until the file there is missing, a
// binary search inside that bracket finds the highest existing suffix, then a
// reverse scan from a little above it returns the first file that exists. Probes are
// HEAD requests; withData fetches the winner's bytes.
func (l *Locator) FindLatest(ctx context.Context, fs FileServer, prefix string, withData bool) (*GeneratedArtifact, error) {
	return l.findLatest(ctx, fs, prefix, withData, nil)
}

// FindLatestExcluding is FindLatest skipping suffixes already claimed by
// other images of the same batch
func (l *Locator) FindLatestExcluding(ctx context.Context, fs FileServer, prefix string, withData bool, exclude map[int]bool) (*GeneratedArtifact, error) {
	return l.findLatest(ctx, fs, prefix, withData, exclude)
}

// LatestSuffix returns the highest suffix found by the binary and reverse
// searches, or 0 when nothing exists
func (l *Locator) LatestSuffix(ctx context.Context, fs FileServer, prefix string) int {
	return l.latestSuffix(ctx, fs, prefix, nil)
}

// MaxBackendSuffix is the largest counter the backend's five digit suffix holds
const MaxBackendSuffix = 99999

// upperBracket doubles the search bound while its top exists. lo is the
// highest bound known to exist, 0 if none.
func (l *Locator) upperBracket(ctx context.Context, fs FileServer, prefix string) (lo, hi int) {
	hi = l.policy.SearchCeiling
	if hi < 1 {
		hi = 1
	}
	for hi < MaxBackendSuffix && ctx.Err() == nil && l.exists(ctx, fs, prefix, hi) {
		lo = hi
		hi *= 2
	}
	if hi > MaxBackendSuffix {
		hi = MaxBackendSuffix
	}
	return lo, hi
}

func (l *Locator) latestSuffix(ctx context.Context, fs FileServer, prefix string, exclude map[int]bool) int {
	bracketLow, bracketHigh := l.upperBracket(ctx, fs, prefix)

	low, high := bracketLow+1, bracketHigh
	found := bracketLow
	for low <= high {
		if ctx.Err() != nil {
			return 0
		}
		mid := (low + high) / 2
		if l.exists(ctx, fs, prefix, mid) {
			found = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}

	// the reverse scan may reach past the bracket top, since suffixes can have gaps
	top := l.policy.ReverseCap
	if bracketHigh > top {
		top = bracketHigh
	}
	start := bracketHigh
	if found > 0 {
		start = found + l.policy.Slack
	}
	if start > top {
		start = top
	}
	if start > MaxBackendSuffix {
		start = MaxBackendSuffix
	}

	for suffix := start; suffix >= 1; suffix-- {
		if ctx.Err() != nil {
			return 0
		}
		if exclude[suffix] {
			continue
		}
		if l.exists(ctx, fs, prefix, suffix) {
			return suffix
		}
	}
	return 0
}

func (l *Locator) findLatest(ctx context.Context, fs FileServer, prefix string, withData bool, exclude map[int]bool) (*GeneratedArtifact, error) {
	suffix := l.latestSuffix(ctx, fs, prefix, exclude)
	if suffix == 0 {
		l.metrics.locateMissed("latest")
		return nil, fmt.Errorf("%w: no file with prefix %s", ErrArtifactNotFound, prefix)
	}

	a := artifact(fs, prefix, suffix)
	if withData {
		data, err := fs.GetImage(ctx, client.OutputImage(a.Filename))
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", a.Filename, err)
		}
		a.Data = data
	}
	l.logger.Debug("Latest image found", zap.String("filename", a.Filename))
	return a, nil
}

// FindSpecific probes the exact suffix
func (l *Locator) FindSpecific(ctx context.Context, fs FileServer, prefix string, suffix int) (*GeneratedArtifact, error) {
	if suffix < 1 || !l.exists(ctx, fs, prefix, suffix) {
		l.metrics.locateMissed("specific")
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, BackendFilename(prefix, suffix))
	}
	return artifact(fs, prefix, suffix), nil
}
