package download

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FailureCategory buckets a download failure by its likely cause. The
// category steers recovery strategy selection.
type FailureCategory string

const (
	// FailureQuality covers corrupt or unrepairable releases.
	FailureQuality FailureCategory = "quality"
	// FailureDiskSpace covers full or missing storage.
	FailureDiskSpace FailureCategory = "disk_space"
	// FailureNetwork covers connectivity problems during download.
	FailureNetwork FailureCategory = "network"
	// FailureAuthentication covers rejected server credentials.
	FailureAuthentication FailureCategory = "authentication"
	// FailureUnknown covers everything the patterns do not match.
	FailureUnknown FailureCategory = "unknown"
)

// Classification patterns, checked in order. First match wins.
var (
	qualityPattern = regexp.MustCompile(`(?i)crc|par2|verif|unpack|damaged|corrupt`)
	diskPattern    = regexp.MustCompile(`(?i)disk|space|full|out of bounds|cannot write`)
	networkPattern = regexp.MustCompile(`(?i)timeout|timed out|connection|reset|network|unreachable`)
	authPattern    = regexp.MustCompile(`(?i)auth|unauthorized|forbidden|api ?key|credential`)
)

// ClassifyFailure maps a daemon failure message to its category.
func ClassifyFailure(message string) FailureCategory {
	switch {
	case qualityPattern.MatchString(message):
		return FailureQuality
	case diskPattern.MatchString(message):
		return FailureDiskSpace
	case networkPattern.MatchString(message):
		return FailureNetwork
	case authPattern.MatchString(message):
		return FailureAuthentication
	default:
		return FailureUnknown
	}
}

// NewFailure builds a classified Failure from a failed history slot.
func NewFailure(slot HistorySlot) Failure {
	return Failure{
		DownloadID: slot.ID,
		Name:       slot.Name,
		Message:    slot.FailMessage,
		Category:   ClassifyFailure(slot.FailMessage),
		DetectedAt: slot.CompletedAt,
	}
}

// QueueFingerprint hashes the observable queue state. Two snapshots with
// the same fingerprint carry no new information, letting the monitor skip
// redundant queue.updated events.
func QueueFingerprint(q Queue) uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "paused=%t|speed=%.1f|", q.Paused, q.SpeedKBps)
	for _, s := range q.Slots {
		d.WriteString(s.ID)
		d.WriteString("|")
		d.WriteString(string(s.Status))
		fmt.Fprintf(d, "|%.1f|%.1f\n", s.Percentage, s.SizeLeftMB)
	}
	return d.Sum64()
}

// PatternKey groups failures for burst detection. Failures sharing a key
// inside the pattern window count toward the pattern threshold.
func PatternKey(f Failure) string {
	return strings.ToLower(string(f.Category))
}
