package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Executor is the keeper-side counterpart of the Forwarder: it receives
// a prepared task envelope and performs the upstream call locally. The
// envelope already carries the injected credential; the executor never
// touches grants or quota.
type Executor struct {
	client       *http.Client
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewExecutor creates a keeper task executor
func NewExecutor(timeout time.Duration, maxBodyBytes int64, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		client:       &http.Client{Timeout: timeout},
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Execute performs the enveloped upstream call and packages the answer.
func (e *Executor) Execute(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
	if env.Method == "" || env.URL == "" {
		return nil, fmt.Errorf("%w: envelope missing method or url", ErrListingMisconfigured)
	}

	var body io.Reader
	if env.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding envelope body: %v", ErrListingMisconfigured, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, env.Method, env.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListingMisconfigured, err)
	}
	for k, vals := range env.Headers {
		req.Header[http.CanonicalHeaderKey(k)] = vals
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if e.maxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, e.maxBodyBytes)
	}
	respBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamUnreachable, err)
	}

	result := &TaskResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
	}
	if len(respBody) > 0 {
		result.Body = base64.StdEncoding.EncodeToString(respBody)
	}
	return result, nil
}
