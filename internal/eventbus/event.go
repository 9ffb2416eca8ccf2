// Package eventbus implements the in-process pub/sub backbone: typed
// topics, bounded history, and per-subscriber ordered delivery with error
// isolation.
package eventbus

import (
	"time"
)

// Topic constants for every event the gateway emits. Topics are dotted
// paths grouped by family.
const (
	// TopicWildcard subscribes to every topic.
	TopicWildcard = "*"

	// TopicDownloadFailed fires when monitoring detects a failed download.
	TopicDownloadFailed = "download.failed"
	// TopicRetryStarted fires when recovery begins an attempt.
	TopicRetryStarted = "download.retry.started"
	// TopicRetrySucceeded fires when a retried download reappears.
	TopicRetrySucceeded = "download.retry.succeeded"
	// TopicRetryFailed fires when a retry attempt fails.
	TopicRetryFailed = "download.retry.failed"

	// TopicRecoveryExhausted fires when the attempt budget is spent.
	TopicRecoveryExhausted = "recovery.exhausted"
	// TopicRecoveryUnresolved fires when no library item matches a
	// failed download.
	TopicRecoveryUnresolved = "recovery.unresolved"

	// TopicQueueUpdated fires when the download queue snapshot changes.
	TopicQueueUpdated = "queue.updated"
	// TopicWantedUpdated fires when a manager's wanted list is polled.
	TopicWantedUpdated = "wanted.updated"
	// TopicPatternDetected fires when failures of one category burst.
	TopicPatternDetected = "failure.pattern.detected"
	// TopicMonitoringDegraded fires once when polling keeps failing.
	TopicMonitoringDegraded = "monitoring.degraded"
	// TopicMonitoringRecovered fires when polling works again.
	TopicMonitoringRecovered = "monitoring.recovered"

	// TopicAuditStarted fires when a config audit begins.
	TopicAuditStarted = "config.audit.started"
	// TopicAuditCompleted fires when a config audit finishes.
	TopicAuditCompleted = "config.audit.completed"
	// TopicAuditFailed fires when a config audit cannot run.
	TopicAuditFailed = "config.audit.failed"

	// TopicRequestCreated fires when a content request is accepted.
	TopicRequestCreated = "content.request.created"
	// TopicRequestClassified fires when a request resolves to tv or movie.
	TopicRequestClassified = "content.request.classified"
	// TopicRequestAdded fires when the item is added to its manager.
	TopicRequestAdded = "content.request.added"
	// TopicRequestCompleted fires when a request finishes end to end.
	TopicRequestCompleted = "content.request.completed"
	// TopicRequestFailed fires when a request cannot be fulfilled.
	TopicRequestFailed = "content.request.failed"

	// TopicActivityCreated fires when the activity log records an entry.
	TopicActivityCreated = "activity.created"
	// TopicConnectionEstablished is the welcome frame topic for newly
	// attached event stream clients.
	TopicConnectionEstablished = "connection.established"
)

// Event is the envelope every topic shares.
type Event struct {
	// ID is a unique event identifier (UUID).
	ID string `json:"id"`
	// Topic is the dotted event type.
	Topic string `json:"topic"`
	// Payload carries topic-specific data.
	Payload map[string]any `json:"payload,omitempty"`
	// CorrelationID groups events belonging to one logical flow. The bus
	// assigns a fresh one when the publisher left it empty.
	CorrelationID string `json:"correlation_id"`
	// CausationID is the ID of the event that caused this one, if any.
	CausationID string `json:"causation_id,omitempty"`
	// Source names the emitting component.
	Source string `json:"source,omitempty"`
	// EmittedAt is when the bus accepted the event.
	EmittedAt time.Time `json:"emitted_at"`
}
