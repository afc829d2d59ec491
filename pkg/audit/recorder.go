// Package audit writes the append-only probe invocation trail.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sonde-dev/sonde/pkg/models"
)

// Sink is where audit rows land.
type Sink interface {
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

// Recorder turns probe invocations into audit rows. An audit write failure
// is logged but never surfaced to the caller; losing an audit row must not
// fail the probe that produced it.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, logger: slog.With("component", "audit")}
}

// RecordProbe writes one row for a probe invocation. target is the agent ID
// or integration name the probe ran against.
func (r *Recorder) RecordProbe(ctx context.Context, authCtx *models.AuthContext, target, probe string, params map[string]any, resp *models.ProbeResponse) {
	entry := &models.AuditEntry{
		Timestamp: time.Now().UTC(),
		AgentID:   target,
		Probe:     probe,
	}
	if authCtx != nil && authCtx.Type == models.AuthTypeAPIKey {
		keyID := authCtx.KeyID
		entry.APIKeyID = &keyID
	}
	if len(params) > 0 {
		if raw, err := json.Marshal(params); err == nil {
			entry.Request = raw
		}
	}
	if resp != nil {
		entry.Status = string(resp.Status)
		entry.DurationMs = resp.DurationMs
		if len(resp.Data) > 0 {
			entry.Response = resp.Data
		} else if resp.Error != "" {
			if raw, err := json.Marshal(map[string]string{"error": resp.Error}); err == nil {
				entry.Response = raw
			}
		}
	}

	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("Audit write failed", "probe", probe, "target", target, "error", err)
	}
}
