package aiprovider

import "strings"

// State is the canonical bucket a provider status string maps into.
type State int

const (
	// StateInProgress is the default bucket: an unrecognized status means
	// "still running", never a silent success or failure.
	StateInProgress State = iota
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// statusTable maps lowercased provider status vocabulary into canonical
// states. One declarative table instead of switch statements scattered
// through the poll path; verifyStatusTable checks it at init.
var statusTable = map[string]State{
	"completed": StateCompleted,
	"done":      StateCompleted,
	"succeeded": StateCompleted,
	"success":   StateCompleted,

	"failed":  StateFailed,
	"error":   StateFailed,
	"failure": StateFailed,

	"processing": StateInProgress,
	"pending":    StateInProgress,
	"running":    StateInProgress,
	"starting":   StateInProgress,
	"queued":     StateInProgress,
}

func init() {
	verifyStatusTable()
}

func verifyStatusTable() {
	required := []string{
		"completed", "done", "succeeded", "success",
		"failed", "error", "failure",
		"processing", "pending", "running", "starting", "queued",
	}
	for _, s := range required {
		if _, ok := statusTable[s]; !ok {
			panic("aiprovider: status table missing entry for " + s)
		}
	}
}

// Canonical maps a provider status string, case-insensitively, into a State.
func Canonical(status string) State {
	if st, ok := statusTable[strings.ToLower(status)]; ok {
		return st
	}
	return StateInProgress
}

// videoURLFields is the contract ordering for result extraction: a locally
// cached copy wins over the provider-hosted URLs.
var videoURLFields = []string{
	"local_url", "video_url", "download_url", "output", "result_url", "video", "url",
}

var thumbnailURLFields = []string{"thumbnail_url", "preview_url", "thumbnail"}

func extractFirst(fields map[string]any, candidates []string) string {
	for _, k := range candidates {
		if v, ok := fields[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ExtractVideoURL returns the first non-empty video URL candidate, or ""
// when the response carries no recognizable artifact.
func ExtractVideoURL(fields map[string]any) string {
	return extractFirst(fields, videoURLFields)
}

// ExtractThumbnailURL returns the first non-empty thumbnail candidate.
func ExtractThumbnailURL(fields map[string]any) string {
	return extractFirst(fields, thumbnailURLFields)
}
