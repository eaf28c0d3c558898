package telemetry

import (
	"net"
	"net/http"
	"time"

	"github.com/posthog/posthog-go"
)

// Client is a best-effort, opt-in usage telemetry sink: counts only (task
// completion, approval outcomes), never file content or cell values. A nil
// *Client is valid and every method on it is a no-op, so callers that never
// configured an API key don't need a feature flag at every call site.
type Client struct {
	ph posthog.Client
}

// silentLogger suppresses PostHog's own log output; telemetry failures
// (network down, key rejected) should never show up as noise in the
// agent's logs.
type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// NewClient builds a Client posting to PostHog's default cloud endpoint.
// An empty apiKey disables telemetry entirely (returns nil, nil).
func NewClient(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 200 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   200 * time.Millisecond,
		ResponseHeaderTimeout: 200 * time.Millisecond,
	}
	ph, err := posthog.NewWithConfig(apiKey, posthog.Config{
		ShutdownTimeout:    200 * time.Millisecond,
		BatchUploadTimeout: 500 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
	})
	if err != nil {
		return nil, err
	}
	return &Client{ph: ph}, nil
}

// CaptureTaskFinished records one finish_task completion: session id,
// accepted task tags, and whether the run touched the workspace. No
// summary text or file content is sent.
func (c *Client) CaptureTaskFinished(sessionID string, tags []string, hadWrite bool) {
	if c == nil || c.ph == nil {
		return
	}
	_ = c.ph.Enqueue(posthog.Capture{
		DistinctId: sessionID,
		Event:      "finish_task",
		Properties: posthog.NewProperties().
			Set("task_tags", tags).
			Set("had_write", hadWrite),
	})
}

// CaptureApprovalRequested records that a workspace_destructive tool call
// was suspended pending user approval (the decision itself happens over a
// separate API surface this module doesn't implement yet, so only the
// request side is observable here).
func (c *Client) CaptureApprovalRequested(sessionID, toolName string) {
	if c == nil || c.ph == nil {
		return
	}
	_ = c.ph.Enqueue(posthog.Capture{
		DistinctId: sessionID,
		Event:      "approval_requested",
		Properties: posthog.NewProperties().
			Set("tool_name", toolName),
	})
}

// Close flushes pending events. Safe to call on a nil Client.
func (c *Client) Close() error {
	if c == nil || c.ph == nil {
		return nil
	}
	return c.ph.Close()
}
