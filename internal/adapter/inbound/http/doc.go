// Package http serves the arrgate REST API, the Prometheus scrape
// endpoint, and the WebSocket bridge mount.
//
// The surface is JSON over a Go 1.22 ServeMux:
//
//	GET  /health                   aggregate upstream health probe
//	GET  /api/stats                orchestrator, bus, and activity counters
//	GET  /api/breakers             circuit breaker snapshot per upstream
//	GET  /api/breakers/{kind}      circuit breaker snapshot for one upstream
//	GET  /api/tools                discovered tool catalog, ?upstream= filters
//	GET  /api/queue                live download queue proxied from the client
//	POST /api/call                 route one tool call
//	POST /api/calls                route a parallel batch of tool calls
//	GET  /api/activity             activity log, ?topic= ?correlation_id= ?offset= ?limit=
//	GET  /api/events               event history, ?correlation_id= ?topic= ?limit=
//	GET  /api/recovery             retry ledger of the failure recovery loop
//	GET  /api/settings             stored upstream settings, API keys redacted
//	GET  /api/settings/{kind}      settings for one upstream
//	PUT  /api/settings/{kind}      create or replace settings for one upstream
//	POST /api/audit/{kind}         run a config audit now
//	GET  /api/audit/{kind}         last retained audit report
//	GET  /api/audit/rules          audit rules, ?upstream= filters
//	POST /api/audit/rules          create an audit rule
//	PUT  /api/audit/rules/{id}     update an audit rule
//	DELETE /api/audit/rules/{id}   delete a custom audit rule
//	GET  /debug/config             effective config as YAML, secrets masked
//	GET  /metrics                  Prometheus exposition
//	GET  /ws                       WebSocket event bridge (when enabled)
//
// Middleware order, outermost first: metrics, request ID, real IP,
// origin guard, API key. /health and /metrics bypass the API key check
// so probes and scrapers work without credentials. Failed API key
// attempts are rate limited per client IP.
package http
