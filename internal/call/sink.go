package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxhall/voxhall/internal/observe"
)

// ArtifactSink receives the CallArtifact after teardown. Delivery is
// at-least-once; sinks deduplicate on call_id.
type ArtifactSink interface {
	Emit(ctx context.Context, a *Artifact) error
}

// HTTPSink POSTs artifacts as JSON to a downstream collector.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url. client may be nil for a default
// with a 10 s timeout.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{url: url, client: client}
}

// Emit posts the artifact. The Idempotency-Key header carries the call ID so
// the sink can drop duplicate deliveries.
func (s *HTTPSink) Emit(ctx context.Context, a *Artifact) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("call: marshal artifact: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("call: build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.CallID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("call: emit artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("call: artifact sink returned %d", resp.StatusCode)
	}
	return nil
}

// Ensure HTTPSink implements ArtifactSink at compile time.
var _ ArtifactSink = (*HTTPSink)(nil)

// deliver emits the artifact with one retry. Failures never propagate to the
// call teardown path; they are logged and counted.
func deliver(ctx context.Context, sink ArtifactSink, metrics *observe.Metrics, a *Artifact) {
	if sink == nil {
		return
	}
	err := sink.Emit(ctx, a)
	if err == nil {
		if metrics != nil {
			metrics.RecordArtifact(ctx, "delivered")
		}
		return
	}
	slog.Warn("artifact delivery failed, retrying", "call_id", a.CallID, "error", err)
	if err = sink.Emit(ctx, a); err == nil {
		if metrics != nil {
			metrics.RecordArtifact(ctx, "retried")
		}
		return
	}
	slog.Error("artifact delivery failed", "call_id", a.CallID, "error", err)
	if metrics != nil {
		metrics.RecordArtifact(ctx, "failed")
	}
}
