package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// RemoteConfig configures remote step invocation.
type RemoteConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultRemoteTimeout   = 30 * time.Second
)

// RemoteStep invokes a step hosted by a step service at POST {base}/task/{key}.
// The resolved payload is the JSON body and the response body is the envelope.
type RemoteStep struct {
	key      string
	endpoint string
	config   RemoteConfig
}

// NewRemoteStep creates a remote step for key served under baseURL.
func NewRemoteStep(key, baseURL string, cfg RemoteConfig) (*RemoteStep, error) {
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "remote step key is empty")
	}
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "remote step %q: invalid base url %q", key, baseURL)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/task/" + url.PathEscape(key)
	return &RemoteStep{key: key, endpoint: endpoint, config: cfg}, nil
}

func (s *RemoteStep) Key() string { return s.key }

func (s *RemoteStep) Describe() StepInfo {
	return StepInfo{Key: s.key, Description: "Remote step at " + s.endpoint, Remote: true}
}

func (s *RemoteStep) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal payload").WithStep(s.key).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "create request").WithStep(s.key).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.config.Client.Do(req)
	if err != nil {
		code := schema.ErrCodeTransport
		if reqCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "request failed: %v", err).WithStep(s.key).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "read response body").WithStep(s.key).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "step service returned %d", resp.StatusCode).
			WithStep(s.key).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(raw), 512)})
	}

	var env schema.Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "decode envelope: %v", err).WithStep(s.key).WithCause(err)
	}
	return &env, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
