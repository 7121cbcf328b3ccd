package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridflow/annotator/internal/cache"
	"github.com/gridflow/annotator/internal/dataset"
	"github.com/gridflow/annotator/internal/journal"
	"github.com/gridflow/annotator/internal/render"
	"github.com/gridflow/annotator/internal/session"
	"github.com/gridflow/annotator/internal/store"
	"github.com/gridflow/annotator/internal/workflow"
	"github.com/rotisserie/eris"
)

type storeState struct {
	mu          sync.Mutex
	queue       []int
	index       int
	labels      []store.LabelRecord
	screenshots []string
}

func newStoreServer(t *testing.T) (*httptest.Server, *storeState) {
	t.Helper()
	st := &storeState{}
	cells := []dataset.Cell{
		{GridID: 101, Lon: 114.05, Lat: 22.55, CityName: "Shenzhen", AreaName: "Futian"},
		{GridID: 102, Lon: 114.07, Lat: 22.55, CityName: "Shenzhen", AreaName: "Futian"},
		{GridID: 103, Lon: 114.05, Lat: 22.57, CityName: "Shenzhen", AreaName: "Nanshan"},
	}

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/api/years", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []int{2021, 2023})
	})
	mux.HandleFunc("/api/meta/cities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []string{"Shenzhen"})
	})
	mux.HandleFunc("/api/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cells)
	})
	mux.HandleFunc("/api/meta/one", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("grid_id"))
		for _, c := range cells {
			if c.GridID == id {
				writeJSON(w, c)
				return
			}
		}
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/api/flows", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("grid_id"))
		bundle := store.FlowBundle{
			Center: &cells[0],
			OutEdges: []store.FlowEdge{
				{OGrid: id, DGrid: 102, NumTotal: 120, O: &cells[0], D: &cells[1]},
			},
		}
		writeJSON(w, map[string]any{"years": map[string]any{"2021": bundle, "2023": bundle}})
	})
	mux.HandleFunc("/api/hourly", func(w http.ResponseWriter, r *http.Request) {
		day := make([]float64, 24)
		writeJSON(w, map[string]any{"2021": map[string]any{"total": [][]float64{day}}})
	})
	mux.HandleFunc("/api/heat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.HeatResponse{
			Values: []store.HeatValue{{GridID: 101, V: 30}, {GridID: 102, V: 10}},
			Q95:    30, Max: 30, N: 2,
		})
	})
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.VersionInfo{
			Version: "1", Server: "fake",
			Routes: map[string]bool{"label_queue_back": true, "label_queue_set": true},
		})
	})
	mux.HandleFunc("/api/label_queue/start", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		st.queue = []int{101, 102}
		st.index = 0
		st.mu.Unlock()
		writeJSON(w, map[string]any{"queue": []int{101, 102}, "index": 0})
	})
	mux.HandleFunc("/api/label_queue", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		defer st.mu.Unlock()
		writeJSON(w, map[string]any{"queue": st.queue, "index": st.index})
	})
	step := func(w http.ResponseWriter) {
		resp := map[string]any{"index": st.index, "has_more": st.index < len(st.queue), "total": len(st.queue)}
		if st.index < len(st.queue) {
			resp["current"] = st.queue[st.index]
		}
		writeJSON(w, resp)
	}
	mux.HandleFunc("/api/label_queue/advance", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.index < len(st.queue) {
			st.index++
		}
		step(w)
	})
	mux.HandleFunc("/api/label_queue/back", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.index > 0 {
			st.index--
		}
		step(w)
	})
	mux.HandleFunc("/api/label_queue/reset", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		st.queue, st.index = nil, 0
		st.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/label", func(w http.ResponseWriter, r *http.Request) {
		var rec store.LabelRecord
		json.NewDecoder(r.Body).Decode(&rec)
		st.mu.Lock()
		st.labels = append(st.labels, rec)
		st.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/label/undo", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		if len(st.labels) > 0 {
			st.labels = st.labels[:len(st.labels)-1]
		}
		st.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/labels", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		defer st.mu.Unlock()
		writeJSON(w, st.labels)
	})
	mux.HandleFunc("/api/screenshot", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Filename string `json:"filename"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		st.mu.Lock()
		st.screenshots = append(st.screenshots, payload.Filename)
		st.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/labels/stats", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		defer st.mu.Unlock()
		writeJSON(w, store.StatsResponse{Total: len(st.labels), ByLabel: map[string]int{}})
	})
	mux.HandleFunc("/api/labels/clear", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		st.labels = nil
		st.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func newTestRouter(t *testing.T) (http.Handler, *storeState) {
	t.Helper()
	srv, st := newStoreServer(t)

	client, err := store.New(store.Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	mgr, err := cache.NewManager(cache.Config{FrameCacheSizeMB: 8, FrameTTL: time.Minute, QueryCacheSize: 16})
	if err != nil {
		t.Fatalf("cache.NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })

	sess, err := session.New(session.Options{
		Store:    client,
		Cache:    mgr,
		Pipeline: render.New(render.Config{}),
		Journal:  jnl,
		Width:    400,
		Height:   300,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := sess.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	router := NewRouter(RouterConfig{
		Session:     sess,
		Cache:       mgr,
		CORSOrigins: []string{"http://localhost:3000"},
	})
	return router, st
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload map[string]any
	if ct := rec.Header().Get("Content-Type"); strings.Contains(ct, "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return rec, payload
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, payload := doJSON(t, router, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := payload["mode"].(string); got != "idle" {
		t.Errorf("mode = %q, want idle", got)
	}
	if years, _ := payload["years"].([]any); len(years) != 2 {
		t.Errorf("years = %v", payload["years"])
	}
	if got, _ := payload["cell_count"].(float64); got != 3 {
		t.Errorf("cell_count = %v", payload["cell_count"])
	}
}

func TestFrameEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("frame = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("cache control = %q", cc)
	}
	body := rec.Body.Bytes()
	if len(body) < 8 || body[1] != 'P' || body[2] != 'N' || body[3] != 'G' {
		t.Errorf("body is not a png")
	}
}

func TestChartEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, payload := doJSON(t, router, http.MethodGet, "/api/select?grid_id=101", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := payload["selected_grid"].(float64); got != 101 {
		t.Fatalf("selected_grid = %v", payload["selected_grid"])
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chart.png?width=320&height=200", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("chart = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
}

func TestSelectEndpointValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := doJSON(t, router, http.MethodGet, "/api/select?grid_id=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric grid_id = %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodGet, "/api/select?grid_id=999", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown grid = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestViewEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, payload := doJSON(t, router, http.MethodPost, "/api/view/pan", `{"dx":25,"dy":-5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pan = %d: %s", rec.Code, rec.Body.String())
	}
	view, _ := payload["view"].(map[string]any)
	if x, _ := view["x"].(float64); x != 25 {
		t.Errorf("view.x = %v", view["x"])
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/view/zoom", `{"factor":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero zoom = %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/view/resize", `{"width":-3,"height":200}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative resize = %d", rec.Code)
	}

	rec, payload = doJSON(t, router, http.MethodPost, "/api/view/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d", rec.Code)
	}
	view, _ = payload["view"].(map[string]any)
	if k, _ := view["k"].(float64); k != 1 {
		t.Errorf("view.k after reset = %v", view["k"])
	}
}

func TestControlsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, payload := doJSON(t, router, http.MethodPost, "/api/controls", `{"year":2021,"metric":"in","colormap":"plasma","ellipses_on":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("controls = %d: %s", rec.Code, rec.Body.String())
	}
	if y, _ := payload["year"].(float64); y != 2021 {
		t.Errorf("year = %v", payload["year"])
	}
	if m, _ := payload["metric"].(string); m != "in" {
		t.Errorf("metric = %q", m)
	}
	if cm, _ := payload["colormap"].(string); cm != "plasma" {
		t.Errorf("colormap = %q", cm)
	}
	if on, _ := payload["ellipses_on"].(bool); !on {
		t.Errorf("ellipses_on not applied")
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/controls", `{"metric":"sideways"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad metric = %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/controls", `{"year":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", rec.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	router, st := newTestRouter(t)

	rec, payload := doJSON(t, router, http.MethodPost, "/api/queue/start", `{"count":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	status, _ := payload["status"].(map[string]any)
	if mode, _ := status["mode"].(string); mode != "active" {
		t.Fatalf("mode after start = %q", mode)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/label", `{"remark":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("label without value = %d", rec.Code)
	}

	rec, payload = doJSON(t, router, http.MethodPost, "/api/label", `{"label":3,"remark":"hub"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("label = %d: %s", rec.Code, rec.Body.String())
	}
	if idx, _ := payload["index"].(float64); idx != 1 {
		t.Errorf("index after label = %v", payload["index"])
	}
	st.mu.Lock()
	labels, shots := len(st.labels), len(st.screenshots)
	st.mu.Unlock()
	if labels != 1 || shots != 1 {
		t.Errorf("store rows = %d labels %d screenshots", labels, shots)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/labels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("labels = %d: %s", rec.Code, rec.Body.String())
	}
	var rows []store.LabelRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode labels: %v", err)
	}
	if len(rows) != 1 || rows[0].GridID != 101 || rows[0].Label != 3 {
		t.Errorf("labels = %+v", rows)
	}

	rec, payload = doJSON(t, router, http.MethodPost, "/api/undo", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("undo = %d: %s", rec.Code, rec.Body.String())
	}
	if idx, _ := payload["index"].(float64); idx != 0 {
		t.Errorf("index after undo = %v", payload["index"])
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/skip", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("skip = %d: %s", rec.Code, rec.Body.String())
	}

	rec, payload = doJSON(t, router, http.MethodPost, "/api/queue/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body.String())
	}
	if mode, _ := payload["mode"].(string); mode != "idle" {
		t.Errorf("mode after reset = %q", mode)
	}

	// Queue verbs outside an active queue are the caller's fault.
	rec, _ = doJSON(t, router, http.MethodPost, "/api/skip", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("skip while idle = %d", rec.Code)
	}
}

func TestLabelsClearRequiresConfirm(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/labels/clear", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unconfirmed clear = %d", rec.Code)
	}

	rec, payload := doJSON(t, router, http.MethodPost, "/api/labels/clear", `{"confirm":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed clear = %d: %s", rec.Code, rec.Body.String())
	}
	if cleared, _ := payload["cleared"].(bool); !cleared {
		t.Errorf("payload = %v", payload)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/labels/clear?confirm=true", "")
	if rec.Code != http.StatusOK {
		t.Errorf("query confirm = %d", rec.Code)
	}
}

func TestLabelStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, payload := doJSON(t, router, http.MethodGet, "/api/labels/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d: %s", rec.Code, rec.Body.String())
	}
	if total, ok := payload["total"].(float64); !ok || total != 0 {
		t.Errorf("total = %v", payload["total"])
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	// A frame request populates the frame cache first.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("frame = %d", rec.Code)
	}

	rec, payload := doJSON(t, router, http.MethodGet, "/api/cache/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cache stats = %d: %s", rec.Code, rec.Body.String())
	}
	if n, ok := payload["frame_cache_len"].(float64); !ok || n < 1 {
		t.Errorf("frame_cache_len = %v, want at least 1", payload["frame_cache_len"])
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"busy", workflow.ErrBusy, http.StatusConflict},
		{"wrapped busy", eris.Wrap(workflow.ErrBusy, "submit"), http.StatusConflict},
		{"bad label", workflow.ErrBadLabel, http.StatusBadRequest},
		{"not active", workflow.ErrNotActive, http.StatusBadRequest},
		{"bad command", session.ErrBadCommand, http.StatusBadRequest},
		{"unknown grid", session.ErrUnknownGrid, http.StatusBadRequest},
		{"store down", store.ErrUnreachable, http.StatusBadGateway},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"other", eris.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tc.err)
			if rec.Code != tc.code {
				t.Errorf("code = %d, want %d", rec.Code, tc.code)
			}
		})
	}
}
