package orchestrator

import (
	"time"

	"biopoem/services/bootstrap"
	"biopoem/services/registry"
)

// bootstrapFinishedEvent is published on bus.SubjectBootstrapFinished.
type bootstrapFinishedEvent struct {
	RunID      string                 `json:"run_id"`
	Hosts      []bootstrap.HostResult `json:"hosts"`
	Launched   int                    `json:"launched"`
	Failed     int                    `json:"failed"`
	Skipped    int                    `json:"skipped"`
	Bundle     string                 `json:"bundle,omitempty"`
	FinishedAt time.Time              `json:"finished_at"`
}

// ProvisionReport describes the fleet written to the registry.
type ProvisionReport struct {
	HostsFile string
	Hosts     []registry.Host
	// Truncated is set when the engine returned a different number of
	// public addresses than hosts requested.
	Truncated bool
}

// Report summarises one dispatch run.
type Report struct {
	RunID    string
	Rendered []string
	// Skipped lists hosts with no task context or a failed render.
	Skipped []string
	Bundle  string
	Fleet   bootstrap.FleetResult
}
