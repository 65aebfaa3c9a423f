package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/herdsure/muzzleid/internal/logging"
	"github.com/herdsure/muzzleid/internal/matching"
	"github.com/herdsure/muzzleid/internal/muzzle"
)

const modelStateAvailable = "AVAILABLE"

// TFServing calls a TensorFlow Serving instance over its REST predict API.
type TFServing struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	logger    *zap.Logger
}

// NewTFServing builds the client and probes the model server once. A missing
// or still-loading model is returned as an error so the caller can refuse to
// start: the service must never accept requests without a working embedder.
func NewTFServing(ctx context.Context, baseURL, model string, dimension int, timeout time.Duration, logger *zap.Logger) (*TFServing, error) {
	c := &TFServing{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.Named("embedder"),
	}

	if err := c.Ready(ctx); err != nil {
		wrapped := logging.NewOperationError("embedder.startup_probe", "", err)
		c.logger.Error("model server not ready", zap.Error(wrapped), zap.String("url", c.baseURL), zap.String("model", model))
		return nil, wrapped
	}

	c.logger.Info("model available", zap.String("model", model), zap.Int("dimension", dimension))
	return c, nil
}

// Dimension reports the configured embedding length.
func (c *TFServing) Dimension() int {
	return c.dimension
}

type predictRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// Embed posts the tensor to the predict endpoint and validates the returned
// vector length against the configured dimension. A length disagreement is a
// deployment bug (wrong model behind the endpoint) and surfaces as a
// dimension-mismatch error, never as a truncated vector.
func (c *TFServing) Embed(ctx context.Context, tensor *muzzle.Tensor) ([]float32, error) {
	payload, err := json.Marshal(predictRequest{Instances: [][][][]float32{instanceFromTensor(tensor)}})
	if err != nil {
		return nil, logging.NewOperationError("embedder.encode_request", "", err)
	}

	url := fmt.Sprintf("%s/v1/models/%s:predict", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, logging.NewOperationError("embedder.predict", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("embedder.predict", "", err)
		c.logger.Error("predict call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, logging.NewOperationError("embedder.predict", "", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("model server returned %d: %s", resp.StatusCode, truncateBody(body))
		wrapped := logging.NewOperationError("embedder.predict", "", err)
		c.logger.Error("predict call rejected", zap.Error(wrapped))
		return nil, wrapped
	}

	var parsed predictResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, logging.NewOperationError("embedder.decode_response", "", err)
	}
	if parsed.Error != "" {
		return nil, logging.NewOperationError("embedder.predict", "", fmt.Errorf("model server error: %s", parsed.Error))
	}
	if len(parsed.Predictions) != 1 {
		return nil, logging.NewOperationError("embedder.predict", "",
			fmt.Errorf("expected 1 prediction, got %d", len(parsed.Predictions)))
	}

	vector := parsed.Predictions[0]
	if len(vector) != c.dimension {
		return nil, &matching.ErrDimensionMismatch{Expected: c.dimension, Actual: len(vector)}
	}
	return vector, nil
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
	Error string `json:"error,omitempty"`
}

// Ready checks the model status endpoint for an AVAILABLE version.
func (c *TFServing) Ready(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/models/%s", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model status returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var parsed modelStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}
	if parsed.Error != "" {
		return fmt.Errorf("model status error: %s", parsed.Error)
	}
	for _, status := range parsed.ModelVersionStatus {
		if status.State == modelStateAvailable {
			return nil
		}
	}
	return fmt.Errorf("model %s has no available version", c.model)
}

// instanceFromTensor lays the flat tensor out as the nested rows the predict
// API expects.
func instanceFromTensor(t *muzzle.Tensor) [][][]float32 {
	rows := make([][][]float32, t.Height)
	for y := 0; y < t.Height; y++ {
		cols := make([][]float32, t.Width)
		for x := 0; x < t.Width; x++ {
			px := make([]float32, t.Channels)
			for c := 0; c < t.Channels; c++ {
				px[c] = t.At(y, x, c)
			}
			cols[x] = px
		}
		rows[y] = cols
	}
	return rows
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
