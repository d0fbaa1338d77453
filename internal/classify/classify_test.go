package classify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/moderation"
)

type stubText struct {
	verdict TextVerdict
	err     error
	delay   time.Duration
	panics  bool
	calls   int32
}

func (s *stubText) Name() string { return "stub-text" }

func (s *stubText) ClassifyText(ctx context.Context, text, sensitivity string) (TextVerdict, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.panics {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return TextVerdict{}, ctx.Err()
		}
	}
	return s.verdict, s.err
}

type stubImage struct {
	verdict ImageVerdict
	err     error
}

func (s *stubImage) Name() string { return "stub-image" }

func (s *stubImage) ClassifyImage(ctx context.Context, data []byte) (ImageVerdict, error) {
	return s.verdict, s.err
}

func newGateway(text TextClassifier, image ImageClassifier) *Gateway {
	return NewGateway(text, image, moderation.NewFilter(), 50*time.Millisecond, zap.NewNop())
}

// ---------------------------------------------------------------------------
// Fallback heuristics
// ---------------------------------------------------------------------------

func TestFallbackText_FixedSentence(t *testing.T) {
	r := FallbackText(moderation.NewFilter(), "I hate you, you are stupid")

	if !r.Abusive {
		t.Fatal("expected abusive")
	}
	if r.Severity != SeverityHigh {
		t.Errorf("Severity = %q, want high", r.Severity)
	}
	if r.Confidence != 0.6 {
		t.Errorf("Confidence = %v, want 0.6", r.Confidence)
	}
	if r.FilteredText != "I *** ***, you are ***" {
		t.Errorf("FilteredText = %q", r.FilteredText)
	}
	if r.Analysis != "Detected 3 potentially offensive keywords" {
		t.Errorf("Analysis = %q", r.Analysis)
	}
	if !reflect.DeepEqual(r.Categories, []string{"keyword_match"}) {
		t.Errorf("Categories = %v", r.Categories)
	}
	if r.Model != ModelKeywordFallback {
		t.Errorf("Model = %q", r.Model)
	}
}

func TestFallbackText_SeverityLadder(t *testing.T) {
	f := moderation.NewFilter()
	tests := []struct {
		input      string
		abusive    bool
		severity   Severity
		confidence float64
	}{
		{"have a nice day", false, SeverityLow, 0.1},
		{"you are ugly", true, SeverityMedium, 0.6},
		{"ugly loser", true, SeverityMedium, 0.6},
		{"ugly fat loser", true, SeverityHigh, 0.6},
	}
	for _, tt := range tests {
		r := FallbackText(f, tt.input)
		if r.Abusive != tt.abusive || r.Severity != tt.severity || r.Confidence != tt.confidence {
			t.Errorf("FallbackText(%q) = {%v %q %v}, want {%v %q %v}",
				tt.input, r.Abusive, r.Severity, r.Confidence, tt.abusive, tt.severity, tt.confidence)
		}
	}
}

func TestImageResult_Threshold(t *testing.T) {
	tests := []struct {
		score      float64
		abusive    bool
		confidence float64
	}{
		{0.0, false, 1.0},
		{0.2, false, 0.8},
		{0.5, true, 0.5},
		{0.9, true, 0.9},
	}
	for _, tt := range tests {
		r := ImageResult(ImageVerdict{NSFWScore: tt.score, Categories: []string{"nsfw"}}, "m")
		if r.Abusive != tt.abusive {
			t.Errorf("score %v: Abusive = %v, want %v", tt.score, r.Abusive, tt.abusive)
		}
		if diff := r.Confidence - tt.confidence; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("score %v: Confidence = %v, want %v", tt.score, r.Confidence, tt.confidence)
		}
	}
}

// ---------------------------------------------------------------------------
// Gateway degradation
// ---------------------------------------------------------------------------

func TestGateway_NoClassifiers(t *testing.T) {
	g := newGateway(nil, nil)

	r := g.ClassifyText(context.Background(), "I hate you, you are stupid", "medium")
	if r.Model != ModelKeywordFallback || r.Severity != SeverityHigh {
		t.Errorf("text fallback not used: %+v", r)
	}

	img := g.ClassifyImage(context.Background(), []byte{0x89, 'P', 'N', 'G'})
	if img.Abusive || img.Confidence != 0.5 {
		t.Errorf("image fallback = %+v, want safe with confidence 0.5", img)
	}
}

func TestGateway_TextFailuresDegrade(t *testing.T) {
	tests := []struct {
		name string
		stub *stubText
	}{
		{"error", &stubText{err: ErrUnavailable}},
		{"timeout", &stubText{delay: time.Second}},
		{"panic", &stubText{panics: true}},
		{"bad severity", &stubText{verdict: TextVerdict{IsAbusive: true, Severity: "extreme", Confidence: 0.9}}},
		{"bad confidence", &stubText{verdict: TextVerdict{IsAbusive: true, Severity: SeverityHigh, Confidence: 7}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(tt.stub, nil)
			r := g.ClassifyText(context.Background(), "you idiot", "high")
			if r.Model != ModelKeywordFallback {
				t.Fatalf("Model = %q, want fallback", r.Model)
			}
			if !r.Abusive || r.FilteredText != "you ***" {
				t.Errorf("fallback result = %+v", r)
			}
			if atomic.LoadInt32(&tt.stub.calls) != 1 {
				t.Errorf("classifier called %d times, want exactly 1", tt.stub.calls)
			}
		})
	}
}

func TestGateway_TextUpstreamVerdict(t *testing.T) {
	stub := &stubText{verdict: TextVerdict{
		IsAbusive:    true,
		Severity:     SeverityCritical,
		Confidence:   0.95,
		Categories:   []string{"threat"},
		FilteredText: "I will *** you",
		Analysis:     "explicit threat",
	}}
	g := newGateway(stub, nil)

	r := g.ClassifyText(context.Background(), "I will hurt you", "medium")
	if r.Model != "stub-text" || r.Severity != SeverityCritical || r.FilteredText != "I will *** you" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestGateway_CleanUpstreamKeepsOriginal(t *testing.T) {
	stub := &stubText{verdict: TextVerdict{Severity: SeverityLow, Confidence: 0.9, FilteredText: "rewritten"}}
	g := newGateway(stub, nil)

	r := g.ClassifyText(context.Background(), "hello there", "low")
	if r.Abusive || r.FilteredText != "hello there" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestGateway_AbusiveWithoutFilteredTextIsMasked(t *testing.T) {
	stub := &stubText{verdict: TextVerdict{IsAbusive: true, Severity: SeverityMedium, Confidence: 0.7}}
	g := newGateway(stub, nil)

	r := g.ClassifyText(context.Background(), "you loser", "medium")
	if r.FilteredText != "you ***" {
		t.Errorf("FilteredText = %q, want local mask", r.FilteredText)
	}
}

func TestGateway_ImageFailuresFailOpen(t *testing.T) {
	for _, stub := range []*stubImage{
		{err: errors.New("connection refused")},
		{verdict: ImageVerdict{NSFWScore: 3}},
	} {
		g := newGateway(nil, stub)
		r := g.ClassifyImage(context.Background(), []byte("img"))
		if r.Abusive || r.Confidence != 0.5 || r.Model != ModelImageFallback {
			t.Errorf("expected fail-open fallback, got %+v", r)
		}
	}
}

func TestGateway_ImageUnsafe(t *testing.T) {
	g := newGateway(nil, &stubImage{verdict: ImageVerdict{NSFWScore: 0.93, Categories: []string{"nsfw"}}})
	r := g.ClassifyImage(context.Background(), []byte("img"))
	if !r.Abusive || r.Confidence != 0.93 {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Analysis != "NSFW Content Detected: nsfw" {
		t.Errorf("Analysis = %q", r.Analysis)
	}
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

func TestDecodeVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", `{"is_abusive":true,"severity":"high","confidence":0.8}`, false},
		{"fenced", "```json\n{\"is_abusive\":false,\"severity\":\"low\",\"confidence\":0.1}\n```", false},
		{"prose around", `Sure! Here you go: {"is_abusive":true,"severity":"medium","confidence":0.5} hope it helps`, false},
		{"no json", "I cannot help with that", true},
		{"broken json", `{"is_abusive": tru`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeVerdict(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeVerdict() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestGroqClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer gsk-test" {
			t.Errorf("missing bearer header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` +
			"```json\\n{\\\"is_abusive\\\":true,\\\"severity\\\":\\\"high\\\",\\\"confidence\\\":0.9,\\\"categories\\\":[\\\"harassment\\\"],\\\"filtered_text\\\":\\\"you ***\\\",\\\"analysis\\\":\\\"insult\\\"}\\n```" +
			`"}}]}`))
	}))
	defer srv.Close()

	c, err := NewGroqClient(GroqConfig{APIKey: "gsk-test", BaseURL: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGroqClient() error: %v", err)
	}

	g := newGateway(c, nil)
	r := g.ClassifyText(context.Background(), "you idiot", "medium")
	if r.Model != "groq-llama" {
		t.Fatalf("Model = %q, want groq-llama (result %+v)", r.Model, r)
	}
	if !r.Abusive || r.Severity != SeverityHigh || r.FilteredText != "you ***" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestGroqClient_HTTPErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := NewGroqClient(GroqConfig{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	if _, err := c.ClassifyText(context.Background(), "x", "low"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	g := newGateway(c, nil)
	r := g.ClassifyText(context.Background(), "I hate you, you are stupid", "medium")
	if r.Model != ModelKeywordFallback || r.Severity != SeverityHigh {
		t.Errorf("expected keyword fallback, got %+v", r)
	}
}

func TestHTTPImageClassifier_Labels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"label":"normal","score":0.12},{"label":"nsfw","score":0.88}]`))
	}))
	defer srv.Close()

	c := NewHTTPImageClassifier(srv.URL, "")
	v, err := c.ClassifyImage(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("ClassifyImage() error: %v", err)
	}
	if v.NSFWScore != 0.88 || v.IsSafe {
		t.Errorf("unexpected verdict %+v", v)
	}
	if !reflect.DeepEqual(v.Categories, []string{"nsfw"}) {
		t.Errorf("Categories = %v", v.Categories)
	}
}

func TestHTTPImageClassifier_Object(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"is_safe":true,"confidence":0.7,"categories":[],"nsfw_score":0.3}`))
	}))
	defer srv.Close()

	g := newGateway(nil, NewHTTPImageClassifier(srv.URL, ""))
	r := g.ClassifyImage(context.Background(), []byte("img"))
	if r.Abusive || r.Model != "hf-nsfw" {
		t.Errorf("unexpected result %+v", r)
	}
	if diff := r.Confidence - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %v, want 0.7", r.Confidence)
	}
}
