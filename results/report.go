package results

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status classifies one instance's run outcome.
type Status string

const (
	StatusSuccess         Status = "Success"
	StatusTimeout         Status = "Timeout"
	StatusUnreachable     Status = "Unreachable"
	StatusParseError      Status = "ParseError"
	StatusProvisionFailed Status = "ProvisionFailed"
)

// InstanceResult is one instance's entry in the report.
type InstanceResult struct {
	Name         string           `json:"name"`
	InstanceID   string           `json:"instance_id,omitempty"`
	ImageID      string           `json:"image_id,omitempty"`
	Platform     string           `json:"platform,omitempty"`
	Architecture string           `json:"architecture,omitempty"`
	Status       Status           `json:"status"`
	DurationsMS  map[string]int64 `json:"operations_measurements_milliseconds,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Report aggregates every instance's outcome for one run. Instances is keyed
// by provider instance ID, or by spec name for instances that were never
// created. Teardown warnings ride along and never override the results.
type Report struct {
	RunID      string                     `json:"run_id"`
	StartedAt  time.Time                  `json:"started_at"`
	ElapsedSec float64                    `json:"elapsed_sec"`
	Instances  map[string]*InstanceResult `json:"instances"`
	Warnings   []string                   `json:"teardown_warnings,omitempty"`
}

func NewReport(runID string) *Report {
	return &Report{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Instances: map[string]*InstanceResult{},
	}
}

// RenderJSON is the machine-readable rendering of the report.
func (r *Report) RenderJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// RenderHuman renders the same report for terminals.
func (r *Report) RenderHuman() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s finished in %.1fs with %d instance(s).\n", r.RunID, r.ElapsedSec, len(r.Instances))
	for _, key := range r.sortedKeys() {
		res := r.Instances[key]
		fmt.Fprintf(&b, "\n%s: %s\n", key, res.Status)
		if res.InstanceID != "" {
			details := []string{"image " + res.ImageID}
			if res.Platform != "" {
				details = append(details, res.Platform)
			}
			if res.Architecture != "" {
				details = append(details, res.Architecture)
			}
			fmt.Fprintf(&b, "  %s (%s)\n", res.Name, strings.Join(details, ", "))
		}
		if len(res.DurationsMS) > 0 {
			b.WriteString("  operations on 1000 files of 1 MiB each:\n")
			for _, op := range Operations {
				if ms, ok := res.DurationsMS[op]; ok {
					fmt.Fprintf(&b, "    %s: %dms\n", op, ms)
				}
			}
		}
		if res.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", res.Error)
		}
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\nTeardown warnings:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	return b.String()
}

func (r *Report) sortedKeys() []string {
	keys := make([]string, 0, len(r.Instances))
	for key := range r.Instances {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
