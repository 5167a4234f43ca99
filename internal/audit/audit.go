// Package audit provides a unified helper for writing operation audit records.
//
// Records are structured zerolog events with audit=true, so a log pipeline
// can route them separately from diagnostics.
package audit

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusPending   = "pending"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var validStatuses = map[string]bool{
	StatusPending:   true,
	StatusSuccess:   true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Action names.
const (
	ActionConnect    = "connection.connect"
	ActionDisconnect = "connection.disconnect"
	ActionForget     = "credentials.forget"
)

// Entry holds all fields for a single audit record.
type Entry struct {
	// Actor identifies who triggered the operation ("cli", "api", "worker", ...).
	Actor string
	// Action is a dot-namespaced verb, e.g. "connection.connect".
	Action string
	// ResourceType is the category of the affected resource, e.g. "subsystem", "host".
	ResourceType string
	// ResourceID is the unique key of the affected resource (service or job id).
	ResourceID string
	// ResourceName is the human-readable label, e.g. "web1/files".
	ResourceName string
	// Status must be one of StatusPending, StatusSuccess, StatusFailed or StatusCancelled.
	Status string
	// IP is the client's source address. Empty outside HTTP requests.
	IP string
	// Detail holds optional structured context (error message, job id, etc.).
	Detail map[string]any
}

// Write emits one audit record on logger. Invalid entries are logged and
// dropped; an audit failure never breaks the calling operation.
func Write(logger zerolog.Logger, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Warn().Str("status", entry.Status).Str("action", entry.Action).
			Msg("audit: invalid status, skipping")
		return
	}

	ev := logger.Info().
		Bool("audit", true).
		Str("action", entry.Action).
		Str("resource_type", entry.ResourceType).
		Str("resource_id", entry.ResourceID).
		Str("resource_name", entry.ResourceName).
		Str("status", entry.Status)
	if entry.Actor != "" {
		ev = ev.Str("actor", entry.Actor)
	}
	if entry.IP != "" {
		ev = ev.Str("ip", entry.IP)
	}
	if len(entry.Detail) > 0 {
		ev = ev.Interface("detail", entry.Detail)
	}
	ev.Msg(entry.Action)
}

// StatusFor maps an operation outcome to an audit status.
func StatusFor(err error, cancelled bool) string {
	switch {
	case err == nil:
		return StatusSuccess
	case cancelled:
		return StatusCancelled
	}
	return StatusFailed
}
