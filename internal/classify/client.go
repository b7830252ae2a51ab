package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/cranalytics/internal/types"
)

// ErrStatus wraps non-2xx replies from the prediction service.
var ErrStatus = errors.New("classify: unexpected status")

// Client classifies a single face crop.
type Client interface {
	Classify(ctx context.Context, crop types.FaceCrop) (types.Prediction, error)
}

type predictRequest struct {
	Face string `json:"face"`
}

type predictResponse struct {
	HOG    string `json:"hog_prediction"`
	ResNet string `json:"resnet_prediction"`
}

// HTTPClient talks to the prediction service over JSON/HTTP.
type HTTPClient struct {
	endpoint string
	http     *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Classify posts the crop as a data URL and returns both model labels.
func (c *HTTPClient) Classify(ctx context.Context, crop types.FaceCrop) (types.Prediction, error) {
	body, err := json.Marshal(predictRequest{Face: crop.DataURL()})
	if err != nil {
		return types.Prediction{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return types.Prediction{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Prediction{}, fmt.Errorf("predict face %d: %w", crop.Ordinal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Prediction{}, fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Prediction{}, fmt.Errorf("decode response: %w", err)
	}
	return types.Prediction{ModelA: out.HOG, ModelB: out.ResNet}, nil
}
