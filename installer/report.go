package installer

import (
	"time"

	"plugenv/discovery"
)

type Status string

const (
	StatusReady   Status = "Ready"
	StatusFailed  Status = "Failed"
	StatusSkipped Status = "Skipped"
)

// Skip reasons.
const (
	ReasonCancelled   = "cancelled"
	ReasonNotSelected = "not selected"
	ReasonDisabled    = "disabled in configuration"
)

// PluginResult is the outcome for one plugin. Detail carries the failure
// cause or the skip reason.
type PluginResult struct {
	Plugin          string
	Status          Status
	Detail          string
	ErrorKind       string
	EnvironmentPath string
	Warnings        []string
	Duration        time.Duration
}

type Report struct {
	RunID           string
	Preset          Preset
	StartedAt       time.Time
	FinishedAt      time.Time
	Results         []PluginResult
	DiscoveryErrors []*discovery.Error
	Warnings        []string
}

// OK reports whether every selected plugin is Ready. Plugins skipped because
// they were not selected do not count against it.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		switch {
		case res.Status == StatusFailed:
			return false
		case res.Status == StatusSkipped && res.Detail == ReasonCancelled:
			return false
		}
	}
	return true
}

func (r *Report) Counts() (ready, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusReady:
			ready++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return ready, failed, skipped
}

func (r *Report) Result(plugin string) (PluginResult, bool) {
	for _, res := range r.Results {
		if res.Plugin == plugin {
			return res, true
		}
	}
	return PluginResult{}, false
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
