// Package classify is the gateway between the message pipeline and the
// external content classifiers. Each call makes one bounded attempt against
// the configured upstream and degrades to a deterministic local result on
// any failure, so classification never fails a message.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/metrics"
	"github.com/safehaven/chat-server/internal/moderation"
)

var (
	// ErrUnavailable is returned by providers that cannot be reached.
	ErrUnavailable = errors.New("classify: classifier unavailable")
	// ErrMalformed is returned when an upstream reply violates the contract.
	ErrMalformed = errors.New("classify: malformed classifier output")
)

// Severity is ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// Model identity strings recorded on incidents.
const (
	ModelKeywordFallback = "keyword-fallback"
	ModelImageFallback   = "image-fallback"
)

// Result is the classification of one payload.
type Result struct {
	Abusive      bool
	Severity     Severity
	Confidence   float64
	Categories   []string
	FilteredText string
	Analysis     string
	// Model names the classifier that produced the result.
	Model string
}

// TextVerdict is the upstream text classifier contract.
type TextVerdict struct {
	IsAbusive    bool     `json:"is_abusive"`
	Severity     Severity `json:"severity"`
	Confidence   float64  `json:"confidence"`
	Categories   []string `json:"categories"`
	FilteredText string   `json:"filtered_text"`
	Analysis     string   `json:"analysis"`
}

// ImageVerdict is the upstream image classifier contract.
type ImageVerdict struct {
	IsSafe     bool     `json:"is_safe"`
	Confidence float64  `json:"confidence"`
	Categories []string `json:"categories"`
	NSFWScore  float64  `json:"nsfw_score"`
}

// TextClassifier judges text at a sensitivity level (low, medium, high).
type TextClassifier interface {
	Name() string
	ClassifyText(ctx context.Context, text, sensitivity string) (TextVerdict, error)
}

// ImageClassifier judges raw image bytes.
type ImageClassifier interface {
	Name() string
	ClassifyImage(ctx context.Context, data []byte) (ImageVerdict, error)
}

// Gateway fronts optional text and image classifiers.
type Gateway struct {
	text    TextClassifier
	image   ImageClassifier
	filter  *moderation.Filter
	timeout time.Duration
	logger  *zap.Logger
}

// NewGateway builds a Gateway. Either classifier may be nil, in which case
// the matching fallback is always used.
func NewGateway(text TextClassifier, image ImageClassifier, filter *moderation.Filter, timeout time.Duration, logger *zap.Logger) *Gateway {
	if filter == nil {
		filter = moderation.NewFilter()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		text:    text,
		image:   image,
		filter:  filter,
		timeout: timeout,
		logger:  logger.Named("classify"),
	}
}

// ClassifyText classifies text. Upstream errors, timeouts, panics and
// contract violations all yield the keyword fallback.
func (g *Gateway) ClassifyText(ctx context.Context, text, sensitivity string) Result {
	if g.text == nil {
		metrics.ClassifyFallbacks.WithLabelValues("text", "no_classifier").Inc()
		return FallbackText(g.filter, text)
	}

	var v TextVerdict
	err := g.call(ctx, g.text.Name(), func(ctx context.Context) error {
		var err error
		v, err = g.text.ClassifyText(ctx, text, sensitivity)
		return err
	})
	if err == nil {
		err = validateText(&v)
	}
	if err != nil {
		g.logger.Warn("text classifier failed, using fallback",
			zap.String("provider", g.text.Name()), zap.Error(err))
		metrics.ClassifyFallbacks.WithLabelValues("text", reason(err)).Inc()
		return FallbackText(g.filter, text)
	}

	r := Result{
		Abusive:      v.IsAbusive,
		Severity:     v.Severity,
		Confidence:   v.Confidence,
		Categories:   v.Categories,
		FilteredText: v.FilteredText,
		Analysis:     v.Analysis,
		Model:        g.text.Name(),
	}
	if !r.Abusive {
		r.FilteredText = text
	} else if r.FilteredText == "" {
		r.FilteredText = g.filter.Scan(text).Filtered
	}
	return r
}

// ClassifyImage classifies image bytes. Without a reachable classifier the
// image is passed as safe with confidence 0.5.
func (g *Gateway) ClassifyImage(ctx context.Context, data []byte) Result {
	if g.image == nil {
		metrics.ClassifyFallbacks.WithLabelValues("image", "no_classifier").Inc()
		return FallbackImage()
	}

	var v ImageVerdict
	err := g.call(ctx, g.image.Name(), func(ctx context.Context) error {
		var err error
		v, err = g.image.ClassifyImage(ctx, data)
		return err
	})
	if err == nil && (v.NSFWScore < 0 || v.NSFWScore > 1) {
		err = fmt.Errorf("%w: nsfw_score %v out of range", ErrMalformed, v.NSFWScore)
	}
	if err != nil {
		g.logger.Warn("image classifier failed, using fallback",
			zap.String("provider", g.image.Name()), zap.Error(err))
		metrics.ClassifyFallbacks.WithLabelValues("image", reason(err)).Inc()
		return FallbackImage()
	}

	return ImageResult(v, g.image.Name())
}

// call runs fn once under the gateway timeout, converting panics to errors.
func (g *Gateway) call(ctx context.Context, provider string, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.ClassifyLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrUnavailable, p)
		}
	}()

	return fn(ctx)
}

func validateText(v *TextVerdict) error {
	if !v.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrMalformed, v.Severity)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v", ErrMalformed, v.Confidence)
	}
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}
