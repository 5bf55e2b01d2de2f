package model

import "time"

// Render status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final render status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Render is the persisted record of one render job.
type Render struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Target     string     `json:"target"`
	Status     string     `json:"status"`
	ImagePath  string     `json:"image_path,omitempty"`
	HasHTML    bool       `json:"has_html"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RenderParams tells the browser what to open and capture.
type RenderParams struct {
	// URL is the path below the render host, e.g. "/open/42".
	URL                string `json:"url"`
	ScreenshotSelector string `json:"screenshot_selector"`
	// SnapshotSelector enables an outerHTML snapshot when non-nil. An empty
	// string snapshots the screenshot element.
	SnapshotSelector *string `json:"snapshot_selector,omitempty"`
	InjectCSS        string  `json:"inject_css,omitempty"`
}

// RenderResult is the output of a single render.
type RenderResult struct {
	Image []byte
	HTML  string
}
