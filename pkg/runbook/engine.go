// Package runbook runs multi-probe playbooks: simple pack-declared fan-outs
// against one target, and built-in diagnostic sequences that cap output,
// enforce a time budget, and distill findings.
package runbook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/pack"
	"github.com/sonde-dev/sonde/pkg/probe"
)

// ProbeRunner is the probe-router surface the engine needs.
type ProbeRunner interface {
	Execute(ctx context.Context, target probe.Target, probeName string, params map[string]any) (*models.ProbeResponse, error)
}

// StepResult is one probe's outcome within a runbook run.
type StepResult struct {
	Probe     string                `json:"probe"`
	Response  *models.ProbeResponse `json:"response"`
	Truncated bool                  `json:"truncated,omitempty"`
}

// Report is the outcome of a runbook run.
type Report struct {
	Runbook    string           `json:"runbook"`
	Target     string           `json:"target"`
	TargetType string           `json:"target_type"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMs int64            `json:"duration_ms"`
	TimedOut   bool             `json:"timed_out,omitempty"`
	Results    []StepResult     `json:"results"`
	Findings   []models.Finding `json:"findings,omitempty"`
}

// Engine executes runbooks through the probe router.
type Engine struct {
	registry *pack.Registry
	runner   ProbeRunner
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(registry *pack.Registry, runner ProbeRunner) *Engine {
	return &Engine{
		registry: registry,
		runner:   runner,
		logger:   slog.With("component", "runbook"),
	}
}

// RunSimple executes a pack's declared runbook against one target. Probes
// fan out concurrently unless the runbook opts into sequential order.
func (e *Engine) RunSimple(ctx context.Context, category string, target probe.Target) (*Report, error) {
	manifest, ok := e.registry.FindRunbook(category)
	if !ok {
		return nil, fmt.Errorf("unknown runbook category %q", category)
	}
	def := manifest.Runbook

	start := time.Now()
	report := &Report{
		Runbook:    category,
		Target:     target.Name,
		TargetType: string(target.Type),
		StartedAt:  start.UTC(),
		Results:    make([]StepResult, len(def.Probes)),
	}

	if def.IsParallel() {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for i, probeName := range def.Probes {
			i, probeName := i, probeName
			g.Go(func() error {
				result := e.runStep(gctx, target, probeName)
				mu.Lock()
				report.Results[i] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, probeName := range def.Probes {
			report.Results[i] = e.runStep(ctx, target, probeName)
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	report.Findings = e.evaluateDetections(manifest, report.Results)
	sortFindings(report.Findings)
	return report, nil
}

// Categories lists all simple runbook categories with their owning pack.
func (e *Engine) Categories() map[string]string {
	return e.registry.RunbookCategories()
}

// runStep executes one probe, turning router-level errors into error
// results so a bad step never aborts the rest of the runbook.
func (e *Engine) runStep(ctx context.Context, target probe.Target, probeName string) StepResult {
	resp, err := e.runner.Execute(ctx, target, probeName, nil)
	if err != nil {
		resp = &models.ProbeResponse{
			Probe:  probeName,
			Status: models.ProbeStatusError,
			Error:  err.Error(),
		}
	}
	return StepResult{Probe: probeName, Response: resp}
}

// evaluateDetections applies the pack's detection rules to the collected
// results and emits a finding per breached threshold.
func (e *Engine) evaluateDetections(manifest *pack.Manifest, results []StepResult) []models.Finding {
	var findings []models.Finding
	for _, rule := range manifest.Detections {
		fullName := manifest.Name + "." + rule.Probe
		for _, result := range results {
			if result.Probe != fullName || result.Response == nil ||
				result.Response.Status != models.ProbeStatusSuccess {
				continue
			}
			values := extractField(result.Response.Data, rule.Field)
			for _, value := range values {
				if compare(value, rule.Operator, rule.Threshold) {
					findings = append(findings, models.Finding{
						Severity: rule.Severity,
						Title:    rule.Name,
						Detail: fmt.Sprintf("%s: %s is %.4g (threshold %s %.4g)",
							fullName, rule.Field, value, rule.Operator, rule.Threshold),
						RelatedProbes: []string{fullName},
					})
				}
			}
		}
	}
	return findings
}

func sortFindings(findings []models.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() > findings[j].Severity.Rank()
	})
}
