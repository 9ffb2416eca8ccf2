// Package inbound defines the inbound port interfaces client-facing
// transports call into.
package inbound

import (
	"context"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// ToolGateway is the inbound port the agent transport drives: tool
// discovery across all connected upstreams and single tool execution.
// The orchestrator satisfies this interface.
type ToolGateway interface {
	// Call routes and executes one tool call. The result carries either
	// data or a classified error; Call itself never fails.
	Call(ctx context.Context, call upstream.ToolCall) upstream.ToolResult

	// CatalogEntries returns the discovered tool sets per upstream.
	CatalogEntries() []upstream.CatalogEntry
}
