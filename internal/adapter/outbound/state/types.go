// Package state persists the daemon run state to disk.
//
// The daemon.json file records which process owns the arrgate instance:
// its PID, start time, listen address, and build version. "arrgate serve"
// claims the file at boot and clears it on shutdown; "arrgate stop" reads
// it to find the process to signal. Writes are atomic and guarded by a
// cross-process file lock so two daemons racing at boot cannot both win.
package state

import "time"

// stateVersion is the daemon.json schema version.
const stateVersion = "1"

// DaemonState is the structure persisted in daemon.json. It describes a
// single running (or stale) daemon process.
type DaemonState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// PID is the process ID of the daemon that wrote this file.
	PID int `json:"pid"`

	// StartedAt is when the daemon booted.
	StartedAt time.Time `json:"started_at"`

	// HTTPAddr is the address the API server listens on.
	HTTPAddr string `json:"http_addr,omitempty"`

	// AppVersion is the arrgate build version of the daemon.
	AppVersion string `json:"app_version,omitempty"`

	// ConfigFile is the configuration file the daemon loaded, if any.
	ConfigFile string `json:"config_file,omitempty"`

	// UpdatedAt is when this file was last written.
	UpdatedAt time.Time `json:"updated_at"`
}
