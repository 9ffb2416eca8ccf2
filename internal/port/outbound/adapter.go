// Package outbound defines the outbound port interfaces: the upstream
// adapter contract and the persistence contracts the services consume.
package outbound

import (
	"context"
	"encoding/json"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// Adapter is the outbound port every upstream service implements. One
// adapter instance serves one upstream kind; the orchestrator owns the
// registry of adapters and never talks to upstream wire formats itself.
type Adapter interface {
	// Kind returns the upstream role this adapter serves.
	Kind() upstream.Kind

	// Connect establishes the connection: it probes the upstream once,
	// records the server version, and refreshes the advertised tool set.
	// Connect is idempotent; connecting while connected re-probes.
	Connect(ctx context.Context) error

	// Disconnect releases the connection. Safe to call when not
	// connected.
	Disconnect() error

	// Status reports the adapter's connection state.
	Status() upstream.ConnectionStatus

	// Health checks that the upstream is reachable and the credentials
	// are accepted. It does not change the connection state.
	Health(ctx context.Context) error

	// Version returns the upstream server version recorded at connect.
	Version() upstream.Version

	// ListTools returns the tools supported by the connected upstream,
	// already gated by server version.
	ListTools(ctx context.Context) ([]upstream.Tool, error)

	// CallTool executes one tool. Errors are classified per the
	// upstream error taxonomy.
	CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)
}
