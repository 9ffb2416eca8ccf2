// Package download contains domain types for the download daemon's queue
// and history, and the failure classification used by monitoring and
// recovery.
package download

import (
	"time"
)

// Status is the lifecycle state of a download as reported by the daemon.
// Values outside the listed constants pass through unchanged; only the
// ones the gateway branches on are named.
type Status string

const (
	// StatusQueued is a download waiting for a slot.
	StatusQueued Status = "Queued"
	// StatusDownloading is an active download.
	StatusDownloading Status = "Downloading"
	// StatusPaused is a download paused by the user or the daemon.
	StatusPaused Status = "Paused"
	// StatusVerifying is post-download par2 verification.
	StatusVerifying Status = "Verifying"
	// StatusRepairing is post-download par2 repair.
	StatusRepairing Status = "Repairing"
	// StatusExtracting is post-download archive extraction.
	StatusExtracting Status = "Extracting"
	// StatusCompleted is a finished, successfully processed download.
	StatusCompleted Status = "Completed"
	// StatusFailed is a download the daemon gave up on.
	StatusFailed Status = "Failed"
)

// QueueSlot is one entry of the daemon's active queue, normalized from the
// upstream wire shape.
type QueueSlot struct {
	// ID is the daemon's job identifier (nzo id).
	ID string `json:"id"`
	// Name is the release name.
	Name string `json:"name"`
	// Status is the job state.
	Status Status `json:"status"`
	// Category is the daemon category ("tv", "movies", ...).
	Category string `json:"category"`
	// Percentage is download progress, 0 to 100.
	Percentage float64 `json:"percentage"`
	// SizeMB is the total job size in megabytes.
	SizeMB float64 `json:"size_mb"`
	// SizeLeftMB is the remaining size in megabytes.
	SizeLeftMB float64 `json:"size_left_mb"`
	// TimeLeft is the daemon's remaining-time estimate as reported.
	TimeLeft string `json:"time_left"`
}

// Queue is a normalized snapshot of the daemon's queue.
type Queue struct {
	// Paused reports whether the whole queue is paused.
	Paused bool `json:"paused"`
	// SpeedKBps is the current aggregate download speed.
	SpeedKBps float64 `json:"speed_kbps"`
	// Slots are the queued jobs in daemon order.
	Slots []QueueSlot `json:"slots"`
}

// HistorySlot is one entry of the daemon's history, normalized from the
// upstream wire shape.
type HistorySlot struct {
	// ID is the daemon's job identifier (nzo id).
	ID string `json:"id"`
	// Name is the release name.
	Name string `json:"name"`
	// Status is the terminal job state.
	Status Status `json:"status"`
	// Category is the daemon category.
	Category string `json:"category"`
	// SizeBytes is the job size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// FailMessage is the daemon's failure reason, empty on success.
	FailMessage string `json:"fail_message,omitempty"`
	// CompletedAt is when the job reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`
}

// Failure describes one failed download detected in the daemon history.
type Failure struct {
	// DownloadID is the daemon's job identifier.
	DownloadID string `json:"download_id"`
	// Name is the release name.
	Name string `json:"name"`
	// Message is the daemon's failure reason.
	Message string `json:"message"`
	// Category is the classified failure cause.
	Category FailureCategory `json:"category"`
	// DetectedAt is when the gateway first observed the failure.
	DetectedAt time.Time `json:"detected_at"`
}
