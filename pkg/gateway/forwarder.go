package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
)

// EndpointMetadataKey is the keeper metadata entry holding the node's
// dispatch URL.
const EndpointMetadataKey = "endpoint"

// TaskEnvelope is the wire format sent to a keeper's execute endpoint.
// The body travels base64-encoded so arbitrary payloads survive JSON.
type TaskEnvelope struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
}

// TaskResult is the keeper's answer.
type TaskResult struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
}

// Forwarder dispatches prepared upstream calls to keeper nodes over
// their execute endpoint.
type Forwarder struct {
	client *http.Client
	logger *zap.Logger
}

var _ KeeperDispatcher = (*Forwarder)(nil)

// NewForwarder creates a keeper forwarder
func NewForwarder(timeout time.Duration, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch sends the call to the node and decodes its answer.
func (f *Forwarder) Dispatch(ctx context.Context, node *data.KeeperNode, call *UpstreamCall) (*UpstreamResult, error) {
	endpoint := node.Metadata[EndpointMetadataKey]
	if endpoint == "" {
		return nil, fmt.Errorf("keeper %s has no endpoint", node.Address)
	}

	envelope := TaskEnvelope{
		Method:  call.Method,
		URL:     call.URL,
		Headers: call.Header,
	}
	if len(call.Body) > 0 {
		envelope.Body = base64.StdEncoding.EncodeToString(call.Body)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding task envelope: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building keeper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatching to keeper %s: %w", node.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keeper %s answered %d", node.Address, resp.StatusCode)
	}

	var result TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding keeper result: %w", err)
	}

	var body []byte
	if result.Body != "" {
		body, err = base64.StdEncoding.DecodeString(result.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding keeper body: %w", err)
		}
	}

	return &UpstreamResult{
		StatusCode: result.StatusCode,
		Header:     http.Header(result.Headers),
		Body:       body,
	}, nil
}
