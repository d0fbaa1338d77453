package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPImageClassifier posts raw image bytes to an inference endpoint. The
// endpoint may answer with an ImageVerdict object or with a list of
// {label, score} pairs as produced by image-classification pipelines.
type HTTPImageClassifier struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewHTTPImageClassifier(url, token string) *HTTPImageClassifier {
	return &HTTPImageClassifier{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPImageClassifier) Name() string { return "hf-nsfw" }

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (c *HTTPImageClassifier) ClassifyImage(ctx context.Context, data []byte) (ImageVerdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return ImageVerdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ImageVerdict{}, fmt.Errorf("%w: image classifier: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ImageVerdict{}, fmt.Errorf("%w: image classifier read: %w", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ImageVerdict{}, fmt.Errorf("%w: image classifier returned status %d", ErrUnavailable, resp.StatusCode)
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var labels []labelScore
		if err := json.Unmarshal(body, &labels); err != nil {
			return ImageVerdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return verdictFromLabels(labels), nil
	}

	var v ImageVerdict
	if err := json.Unmarshal(body, &v); err != nil {
		return ImageVerdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// verdictFromLabels takes the highest score among unsafe-looking labels.
func verdictFromLabels(labels []labelScore) ImageVerdict {
	var v ImageVerdict
	for _, l := range labels {
		label := strings.ToLower(l.Label)
		if strings.Contains(label, "nsfw") || strings.Contains(label, "porn") ||
			strings.Contains(label, "nude") || strings.Contains(label, "sexy") {
			if l.Score > v.NSFWScore {
				v.NSFWScore = l.Score
			}
			v.Categories = append(v.Categories, label)
		}
	}
	v.IsSafe = v.NSFWScore < NSFWThreshold
	if v.IsSafe {
		v.Confidence = 1 - v.NSFWScore
	} else {
		v.Confidence = v.NSFWScore
	}
	return v
}
