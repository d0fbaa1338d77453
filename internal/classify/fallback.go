package classify

import (
	"fmt"
	"strings"

	"github.com/safehaven/chat-server/internal/moderation"
)

// NSFWThreshold is the score at or above which an image is unsafe.
const NSFWThreshold = 0.5

// FallbackText classifies text with the local denylist. The outcome depends
// only on the filter's terms and the input.
func FallbackText(f *moderation.Filter, text string) Result {
	scan := f.Scan(text)
	n := len(scan.Matches)

	r := Result{
		Abusive:      n > 0,
		Severity:     SeverityLow,
		Confidence:   0.1,
		FilteredText: scan.Filtered,
		Analysis:     "No issues detected",
		Model:        ModelKeywordFallback,
	}
	if n == 0 {
		return r
	}

	r.Severity = SeverityMedium
	if n > 2 {
		r.Severity = SeverityHigh
	}
	r.Confidence = 0.6
	r.Categories = []string{"keyword_match"}
	r.Analysis = fmt.Sprintf("Detected %d potentially offensive keywords", n)
	return r
}

// FallbackImage is the fail-open result used without a usable classifier.
func FallbackImage() Result {
	return Result{
		Abusive:    false,
		Severity:   SeverityLow,
		Confidence: 0.5,
		Model:      ModelImageFallback,
	}
}

// ImageResult maps an upstream verdict onto a Result. Only the score decides;
// the upstream is_safe flag is advisory.
func ImageResult(v ImageVerdict, model string) Result {
	r := Result{
		Abusive:    v.NSFWScore >= NSFWThreshold,
		Severity:   SeverityLow,
		Categories: v.Categories,
		Model:      model,
	}
	if r.Abusive {
		r.Severity = SeverityHigh
		r.Confidence = v.NSFWScore
		r.Analysis = "NSFW Content Detected: " + strings.Join(v.Categories, ", ")
	} else {
		r.Confidence = 1 - v.NSFWScore
	}
	return r
}
