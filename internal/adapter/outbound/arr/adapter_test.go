package arr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// fakeManager answers the v3 REST shape and records every request.
type fakeManager struct {
	version string
	apiKey  string

	mu   sync.Mutex
	reqs []recordedRequest
}

type recordedRequest struct {
	method string
	path   string
	query  url.Values
	body   []byte
}

func (f *fakeManager) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.reqs = append(f.reqs, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			body:   body,
		})
		f.mu.Unlock()

		if f.apiKey != "" && r.Header.Get("X-Api-Key") != f.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/system/status":
			json.NewEncoder(w).Encode(map[string]string{"version": f.version})
		case "/api/v3/series", "/api/v3/movie":
			w.Write([]byte(`[{"id":42,"title":"Example Show"}]`))
		case "/api/v3/config/mediamanagement":
			w.Write([]byte(`{"recycleBin":"","rescanAfterRefresh":"never","deleteEmptyFolders":false}`))
		case "/api/v3/wanted/missing":
			w.Write([]byte(`{"page":1,"pageSize":50,"totalRecords":3,"records":[]}`))
		case "/api/v3/command":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":7,"status":"queued"}`))
		default:
			w.Write([]byte(`{}`))
		}
	}
}

func (f *fakeManager) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return recordedRequest{}
	}
	return f.reqs[len(f.reqs)-1]
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConnected(t *testing.T, mgr *fakeManager, build func(upstream.Settings, *slog.Logger) (*Adapter, error)) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mgr.handler())
	t.Cleanup(srv.Close)

	a, err := build(upstream.Settings{URL: srv.URL, APIKey: "manager-key"}, testLogger(t))
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func TestConnectParsesFourPartVersion(t *testing.T) {
	t.Parallel()

	a := newConnected(t, &fakeManager{version: "3.0.10.1567", apiKey: "manager-key"}, NewTv)
	if got, want := a.Version().String(), "3.0.10"; got != want {
		t.Errorf("version = %s, want %s", got, want)
	}
	if got := a.Status(); got != upstream.StatusConnected {
		t.Errorf("status = %s, want %s", got, upstream.StatusConnected)
	}
}

func TestKinds(t *testing.T) {
	t.Parallel()

	tv := newConnected(t, &fakeManager{version: "4.0.0"}, NewTv)
	movie := newConnected(t, &fakeManager{version: "4.0.0"}, NewMovie)

	if got := tv.Kind(); got != upstream.KindTvManager {
		t.Errorf("tv kind = %s, want %s", got, upstream.KindTvManager)
	}
	if got := movie.Kind(); got != upstream.KindMovieManager {
		t.Errorf("movie kind = %s, want %s", got, upstream.KindMovieManager)
	}
}

func TestSearchItemCommandPayloads(t *testing.T) {
	t.Parallel()

	t.Run("series", func(t *testing.T) {
		t.Parallel()

		mgr := &fakeManager{version: "4.0.0"}
		a := newConnected(t, mgr, NewTv)

		if _, err := a.CallTool(context.Background(), toolSearchItem, map[string]any{"item_id": float64(42)}); err != nil {
			t.Fatalf("CallTool(search_item): %v", err)
		}

		req := mgr.last()
		if req.method != http.MethodPost || req.path != "/api/v3/command" {
			t.Fatalf("request = %s %s, want POST /api/v3/command", req.method, req.path)
		}
		var cmd map[string]any
		if err := json.Unmarshal(req.body, &cmd); err != nil {
			t.Fatalf("unmarshal command: %v", err)
		}
		if got, want := cmd["name"], "SeriesSearch"; got != want {
			t.Errorf("command name = %v, want %v", got, want)
		}
		if got, want := cmd["seriesId"], float64(42); got != want {
			t.Errorf("seriesId = %v, want %v", got, want)
		}
		if _, present := cmd["quality"]; present {
			t.Errorf("plain search carried quality %v, want none", cmd["quality"])
		}
	})

	t.Run("series with quality cap", func(t *testing.T) {
		t.Parallel()

		mgr := &fakeManager{version: "4.0.0"}
		a := newConnected(t, mgr, NewTv)

		if _, err := a.CallTool(context.Background(), toolSearchItem, map[string]any{"item_id": float64(42), "quality": "720p"}); err != nil {
			t.Fatalf("CallTool(search_item): %v", err)
		}

		var cmd map[string]any
		if err := json.Unmarshal(mgr.last().body, &cmd); err != nil {
			t.Fatalf("unmarshal command: %v", err)
		}
		if got, want := cmd["quality"], "720p"; got != want {
			t.Errorf("quality = %v, want %v", got, want)
		}
	})

	t.Run("movie", func(t *testing.T) {
		t.Parallel()

		mgr := &fakeManager{version: "5.2.0"}
		a := newConnected(t, mgr, NewMovie)

		if _, err := a.CallTool(context.Background(), toolSearchItem, map[string]any{"item_id": float64(42)}); err != nil {
			t.Fatalf("CallTool(search_item): %v", err)
		}

		var cmd map[string]any
		if err := json.Unmarshal(mgr.last().body, &cmd); err != nil {
			t.Fatalf("unmarshal command: %v", err)
		}
		if got, want := cmd["name"], "MoviesSearch"; got != want {
			t.Errorf("command name = %v, want %v", got, want)
		}
		ids, ok := cmd["movieIds"].([]any)
		if !ok || len(ids) != 1 || ids[0] != float64(42) {
			t.Errorf("movieIds = %v, want [42]", cmd["movieIds"])
		}
	})
}

func TestDeleteItemQuery(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{version: "4.0.0"}
	a := newConnected(t, mgr, NewMovie)

	params := map[string]any{"item_id": float64(9), "delete_files": true}
	if _, err := a.CallTool(context.Background(), toolDeleteItem, params); err != nil {
		t.Fatalf("CallTool(delete_item): %v", err)
	}

	req := mgr.last()
	if req.method != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", req.method)
	}
	if got, want := req.path, "/api/v3/movie/9"; got != want {
		t.Errorf("path = %s, want %s", got, want)
	}
	if got, want := req.query.Get("deleteFiles"), "true"; got != want {
		t.Errorf("deleteFiles = %s, want %s", got, want)
	}
}

func TestSearchItemRequiresID(t *testing.T) {
	t.Parallel()

	a := newConnected(t, &fakeManager{version: "4.0.0"}, NewTv)

	_, err := a.CallTool(context.Background(), toolSearchItem, nil)
	if kind := upstream.Classify(err); kind != upstream.KindValidation {
		t.Errorf("error kind = %s, want %s", kind, upstream.KindValidation)
	}
}

func TestGetConfigNormalization(t *testing.T) {
	t.Parallel()

	a := newConnected(t, &fakeManager{version: "4.0.0"}, NewTv)

	raw, err := a.CallTool(context.Background(), toolGetConfig, nil)
	if err != nil {
		t.Fatalf("CallTool(get_config): %v", err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if got, want := cfg["recycle_bin"], ""; got != want {
		t.Errorf("recycle_bin = %v, want empty string", got)
	}
	if got, want := cfg["rescan_after_refresh"], "never"; got != want {
		t.Errorf("rescan_after_refresh = %v, want %v", got, want)
	}
	if _, ok := cfg["media_management"].(map[string]any); !ok {
		t.Error("media_management section missing from normalized config")
	}
}

func TestWantedMissingDefaults(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{version: "4.0.0"}
	a := newConnected(t, mgr, NewTv)

	if _, err := a.CallTool(context.Background(), toolGetWantedMissing, nil); err != nil {
		t.Fatalf("CallTool(get_wanted_missing): %v", err)
	}

	q := mgr.last().query
	if got, want := q.Get("page"), "1"; got != want {
		t.Errorf("page = %s, want %s", got, want)
	}
	if got, want := q.Get("pageSize"), "50"; got != want {
		t.Errorf("pageSize = %s, want %s", got, want)
	}
}

func TestAuthHeaderRequired(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{version: "4.0.0", apiKey: "other-key"}
	srv := httptest.NewServer(mgr.handler())
	t.Cleanup(srv.Close)

	a, err := NewTv(upstream.Settings{URL: srv.URL, APIKey: "manager-key"}, testLogger(t))
	if err != nil {
		t.Fatalf("NewTv: %v", err)
	}

	connectErr := a.Connect(context.Background())
	if connectErr == nil {
		t.Fatal("Connect succeeded with rejected API key")
	}
	if kind := upstream.Classify(connectErr); kind != upstream.KindAuthentication {
		t.Errorf("error kind = %s, want %s", kind, upstream.KindAuthentication)
	}
}

func TestUnknownTool(t *testing.T) {
	t.Parallel()

	a := newConnected(t, &fakeManager{version: "4.0.0"}, NewTv)

	_, err := a.CallTool(context.Background(), "format_disk", nil)
	if kind := upstream.Classify(err); kind != upstream.KindNotFound {
		t.Errorf("error kind = %s, want %s", kind, upstream.KindNotFound)
	}
}
