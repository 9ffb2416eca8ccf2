// Package agent exposes the orchestrator to a local automation agent
// over newline-delimited JSON-RPC on stdio. The wire follows the MCP
// tool surface: initialize, then tools/list with kind-prefixed names,
// then tools/call routed through the orchestrator.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/arrgate/arrgate/internal/service"
	"github.com/arrgate/arrgate/pkg/rpcwire"
)

const (
	// protocolRevision is the protocol revision reported to agents
	// during initialize.
	protocolRevision = "2025-11-25"

	// Scanner limits for one wire line. Tool results carry whole queue
	// and config payloads, so lines can be large.
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = 1024 * 1024
)

// Transport serves the agent wire. One Transport handles one
// connection; the daemon runs it over stdin/stdout.
type Transport struct {
	orch    *service.Orchestrator
	logger  *slog.Logger
	name    string
	version string
}

// NewTransport creates the transport. version is reported to the agent
// during initialize.
func NewTransport(orch *service.Orchestrator, version string, logger *slog.Logger) *Transport {
	return &Transport{
		orch:    orch,
		logger:  logger,
		name:    "arrgate",
		version: version,
	}
}

// Serve runs the wire loop on stdin/stdout until EOF or context
// cancellation.
func (t *Transport) Serve(ctx context.Context) error {
	return t.Run(ctx, os.Stdin, os.Stdout)
}

// Run reads newline-delimited JSON-RPC from in and writes one response
// line per call to out. Notifications are consumed without a reply.
// Requests are served in order; a response line is always written
// before the next request is read.
func (t *Transport) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := rpcwire.Wrap(line)
		if err != nil {
			t.logger.Debug("undecodable agent line", "error", err)
			reply := rpcwire.ErrorBytes(rpcwire.ExtractID(line), rpcwire.CodeParseError, "parse error")
			if werr := t.writeRaw(out, reply); werr != nil {
				return werr
			}
			continue
		}

		switch {
		case msg.IsNotification():
			t.logger.Debug("agent notification", "method", msg.Method())
		case msg.IsRequest():
			started := time.Now()
			resp := t.dispatch(ctx, msg)
			if err := t.write(out, resp); err != nil {
				return err
			}
			t.logger.Debug("agent request served",
				"method", msg.Method(),
				"latency_us", time.Since(started).Microseconds())
		default:
			// A response arriving on a server-only wire has nothing to
			// route to.
			t.logger.Debug("ignoring unexpected agent response")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent wire read: %w", err)
	}
	return nil
}

func (t *Transport) write(out io.Writer, resp *jsonrpc.Response) error {
	data, err := rpcwire.Encode(resp)
	if err != nil {
		return fmt.Errorf("encode agent response: %w", err)
	}
	return t.writeRaw(out, data)
}

func (t *Transport) writeRaw(out io.Writer, data []byte) error {
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("agent wire write: %w", err)
	}
	if _, err := out.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("agent wire write: %w", err)
	}
	return nil
}
