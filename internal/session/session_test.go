package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gridflow/annotator/internal/cache"
	"github.com/gridflow/annotator/internal/dataset"
	"github.com/gridflow/annotator/internal/geo"
	"github.com/gridflow/annotator/internal/journal"
	"github.com/gridflow/annotator/internal/render"
	"github.com/gridflow/annotator/internal/store"
	"github.com/gridflow/annotator/internal/workflow"
)

func backendCells() []dataset.Cell {
	return []dataset.Cell{
		{GridID: 101, Lon: 114.05, Lat: 22.55, CityName: "Shenzhen", AreaName: "Futian"},
		{GridID: 102, Lon: 114.07, Lat: 22.55, CityName: "Shenzhen", AreaName: "Futian"},
		{GridID: 103, Lon: 114.05, Lat: 22.57, CityName: "Shenzhen", AreaName: "Nanshan"},
		{GridID: 104, Lon: 114.07, Lat: 22.57, CityName: "Shenzhen", AreaName: "Nanshan"},
		{GridID: 201, Lon: 113.30, Lat: 23.13, CityName: "Guangzhou", AreaName: "Tianhe"},
	}
}

// backend is an in-memory stand-in for the external store.
type backend struct {
	mu          sync.Mutex
	cells       []dataset.Cell
	startQueue  []int
	queue       []int
	index       int
	labels      []store.LabelRecord
	screenshots []string
	heatQueries []string

	srv *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{cells: backendCells(), startQueue: []int{201, 102}}

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/api/years", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []int{2021, 2023})
	})
	mux.HandleFunc("/api/meta/cities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []string{"Guangzhou", "Shenzhen"})
	})
	mux.HandleFunc("/api/metadata", func(w http.ResponseWriter, r *http.Request) {
		city := r.URL.Query().Get("city_name")
		area := r.URL.Query().Get("area_name")
		out := []dataset.Cell{}
		for _, c := range b.cells {
			if city != "" && c.CityName != city {
				continue
			}
			if area != "" && c.AreaName != area {
				continue
			}
			out = append(out, c)
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("/api/meta/one", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("grid_id"))
		for _, c := range b.cells {
			if c.GridID == id {
				writeJSON(w, c)
				return
			}
		}
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/api/flows", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("grid_id"))
		center := b.cellByID(id)
		edge := store.FlowEdge{
			OGrid: id, DGrid: 102, NumTotal: 500,
			O: center, D: b.cellByID(102),
		}
		bundle := store.FlowBundle{Center: center, OutEdges: []store.FlowEdge{edge}}
		if r.URL.Query().Get("year") == "all" {
			writeJSON(w, map[string]any{"years": map[string]any{"2021": bundle, "2023": bundle}})
			return
		}
		writeJSON(w, bundle)
	})
	mux.HandleFunc("/api/hourly", func(w http.ResponseWriter, r *http.Request) {
		day := make([]float64, 24)
		for h := range day {
			day[h] = float64(h)
		}
		writeJSON(w, map[string]any{
			"2021": map[string]any{"total": [][]float64{day}},
			"2023": map[string]any{"total": [][]float64{day}},
		})
	})
	mux.HandleFunc("/api/heat", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.heatQueries = append(b.heatQueries, r.URL.RawQuery)
		b.mu.Unlock()
		values := []store.HeatValue{}
		for _, c := range b.cells {
			values = append(values, store.HeatValue{GridID: c.GridID, V: float64(c.GridID % 80)})
		}
		writeJSON(w, store.HeatResponse{Values: values, Q95: 40, Max: 80, N: len(values)})
	})
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.VersionInfo{
			Version: "1", Server: "fake",
			Routes: map[string]bool{
				"label_queue_back": true,
				"label_queue_set":  true,
				"heat":             true,
				"bounds":           false,
			},
		})
	})
	mux.HandleFunc("/api/label_queue/start", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.queue = append([]int(nil), b.startQueue...)
		b.index = 0
		b.mu.Unlock()
		writeJSON(w, map[string]any{"queue": b.startQueue, "index": 0})
	})
	mux.HandleFunc("/api/label_queue", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{"queue": b.queue, "index": b.index})
	})
	mux.HandleFunc("/api/label_queue/advance", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.index < len(b.queue) {
			b.index++
		}
		writeJSON(w, b.step())
	})
	mux.HandleFunc("/api/label_queue/back", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.index > 0 {
			b.index--
		}
		writeJSON(w, b.step())
	})
	mux.HandleFunc("/api/label_queue/reset", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.queue = nil
		b.index = 0
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/label", func(w http.ResponseWriter, r *http.Request) {
		var rec store.LabelRecord
		json.NewDecoder(r.Body).Decode(&rec)
		b.mu.Lock()
		b.labels = append(b.labels, rec)
		b.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/label/undo", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		if len(b.labels) > 0 {
			b.labels = b.labels[:len(b.labels)-1]
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/screenshot", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Filename string `json:"filename"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		b.mu.Lock()
		b.screenshots = append(b.screenshots, payload.Filename)
		b.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/labels/stats", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		by := map[string]int{}
		for _, rec := range b.labels {
			by[strconv.Itoa(rec.Label)]++
		}
		writeJSON(w, store.StatsResponse{Total: len(b.labels), ByLabel: by})
	})
	mux.HandleFunc("/api/labels/clear", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.labels = nil
		b.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) cellByID(id int) *dataset.Cell {
	for i := range b.cells {
		if b.cells[i].GridID == id {
			c := b.cells[i]
			return &c
		}
	}
	return nil
}

func (b *backend) step() map[string]any {
	resp := map[string]any{"index": b.index, "has_more": b.index < len(b.queue), "total": len(b.queue)}
	if b.index < len(b.queue) {
		resp["current"] = b.queue[b.index]
	}
	return resp
}

func (b *backend) labelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.labels)
}

func (b *backend) shotNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.screenshots...)
}

const (
	testWidth  = 600.0
	testHeight = 400.0
	testPad    = 20.0
)

func newTestSession(t *testing.T, b *backend) *Session {
	t.Helper()

	client, err := store.New(store.Options{BaseURL: b.srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	mgr, err := cache.NewManager(cache.Config{FrameCacheSizeMB: 8, FrameTTL: time.Minute, QueryCacheSize: 32})
	if err != nil {
		t.Fatalf("cache.NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })

	s, err := New(Options{
		Store:       client,
		Cache:       mgr,
		Pipeline:    render.New(render.Config{}),
		Journal:     jnl,
		Width:       testWidth,
		Height:      testHeight,
		Padding:     testPad,
		Screenshots: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// projectAtBootstrap mirrors the session's initial fit so tests can
// find a cell's pixel position.
func projectAtBootstrap(cells []dataset.Cell, lon, lat float64) (float64, float64) {
	bounds := geo.EmptyBounds()
	for _, c := range cells {
		bounds.Extend(c.Lon, c.Lat)
	}
	sp := geo.NewSpace(testWidth, testHeight, testPad)
	sp.Fit(bounds.Pad(0.05))
	return sp.Project(lon, lat)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBootstrapAndFrame(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	st := s.Status()
	if st.CellCount != 5 {
		t.Errorf("cell count = %d, want 5", st.CellCount)
	}
	if len(st.Years) != 2 || st.Year != 2023 {
		t.Errorf("years = %v current %d, want latest 2023", st.Years, st.Year)
	}
	if len(st.Cities) != 2 {
		t.Errorf("cities = %v", st.Cities)
	}
	if st.Mode != workflow.ModeIdle {
		t.Errorf("mode = %s, want idle with no persisted queue", st.Mode)
	}

	frame, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if len(frame) == 0 || frame[1] != 'P' {
		t.Fatalf("frame is not a png")
	}

	// Same state renders from the frame cache.
	again, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if !bytes.Equal(frame, again) {
		t.Errorf("unchanged state should serve the cached frame")
	}
}

func TestClickSelectsNearestCell(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	x, y := projectAtBootstrap(backendCells(), 114.05, 22.55)
	if err := s.Dispatch(ctx, Click{X: x, Y: y}); err != nil {
		t.Fatalf("Dispatch(Click): %v", err)
	}

	st := s.Status()
	if st.SelectedGrid == nil || *st.SelectedGrid != 101 {
		t.Fatalf("selected = %v, want 101", st.SelectedGrid)
	}

	// Selection load ran synchronously on the click path.
	s.mu.Lock()
	flowYears := len(s.flows)
	hourlyYears := len(s.hourly)
	s.mu.Unlock()
	if flowYears != 2 || hourlyYears != 2 {
		t.Errorf("selection data years = %d/%d, want 2/2", flowYears, hourlyYears)
	}

	chart, err := s.Chart(480, 240)
	if err != nil {
		t.Fatalf("Chart: %v", err)
	}
	if len(chart) == 0 {
		t.Fatalf("empty chart")
	}
}

func TestClickMissLeavesSelectionAlone(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if err := s.Dispatch(ctx, Click{X: 1, Y: 1}); err != nil {
		t.Fatalf("Dispatch(Click): %v", err)
	}
	st := s.Status()
	if st.SelectedGrid != nil {
		t.Errorf("corner click selected %d", *st.SelectedGrid)
	}
	if st.Note != "no cell near the click" {
		t.Errorf("note = %q", st.Note)
	}
}

func TestSelectGridResolution(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Narrow the dataset to Shenzhen, then select a Guangzhou grid:
	// it resolves through the store even though it is filtered out.
	if err := s.Dispatch(ctx, SetFilter{City: "Shenzhen"}); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	if got := s.Status().CellCount; got != 4 {
		t.Fatalf("filtered cell count = %d, want 4", got)
	}
	if err := s.Dispatch(ctx, SelectGrid{GridID: 201}); err != nil {
		t.Fatalf("SelectGrid(201): %v", err)
	}
	if st := s.Status(); st.SelectedGrid == nil || *st.SelectedGrid != 201 {
		t.Fatalf("selected = %v, want 201", st.SelectedGrid)
	}

	err := s.Dispatch(ctx, SelectGrid{GridID: 999})
	if !errors.Is(err, ErrUnknownGrid) {
		t.Fatalf("SelectGrid(999) = %v, want ErrUnknownGrid", err)
	}
}

func TestViewCommands(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if err := s.Dispatch(ctx, Pan{DX: 30, DY: -10}); err != nil {
		t.Fatalf("Pan: %v", err)
	}
	if v := s.Status().View; v.X != 30 || v.Y != -10 {
		t.Errorf("view after pan = %+v", v)
	}

	if err := s.Dispatch(ctx, Zoom{Factor: 2, X: testWidth / 2, Y: testHeight / 2}); err != nil {
		t.Fatalf("Zoom: %v", err)
	}
	if v := s.Status().View; v.K != 2 {
		t.Errorf("zoom = %g, want 2", v.K)
	}
	if err := s.Dispatch(ctx, Zoom{Factor: 0}); err == nil {
		t.Errorf("zero zoom factor should fail")
	}

	if err := s.Dispatch(ctx, ResetView{}); err != nil {
		t.Fatalf("ResetView: %v", err)
	}
	if v := s.Status().View; v.X != 0 || v.Y != 0 || v.K != 1 {
		t.Errorf("view after reset = %+v", v)
	}

	if err := s.Dispatch(ctx, Resize{Width: 900, Height: 500, DPR: 2}); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := s.Dispatch(ctx, Resize{Width: -1, Height: 500}); err == nil {
		t.Errorf("negative resize should fail")
	}
}

func TestYearAndMetricReloadHeat(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	b.mu.Lock()
	before := len(b.heatQueries)
	b.mu.Unlock()
	if err := s.Dispatch(ctx, SetYear{Year: 2021}); err != nil {
		t.Fatalf("SetYear: %v", err)
	}
	b.mu.Lock()
	after := len(b.heatQueries)
	b.mu.Unlock()
	if after != before+1 {
		t.Fatalf("heat queries after year change = %d, want 1", after-before)
	}

	// The same year+metric+filter combination comes from the cache.
	if err := s.Dispatch(ctx, SetYear{Year: 2021}); err != nil {
		t.Fatalf("SetYear: %v", err)
	}
	b.mu.Lock()
	total := len(b.heatQueries)
	b.mu.Unlock()
	if total != before+1 {
		t.Errorf("repeat year change should hit the heat cache")
	}

	if err := s.Dispatch(ctx, SetMetric{Metric: "sideways"}); err == nil {
		t.Errorf("unknown metric should fail")
	}
}

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	out, err := s.StartQueue(ctx, workflow.StartOptions{Count: 2})
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}
	if out.State.Mode != workflow.ModeActive || out.Current != 201 {
		t.Fatalf("start outcome = %+v", out)
	}

	// The first candidate's selection loads in the background.
	waitFor(t, "candidate selection", func() bool {
		st := s.Status()
		return st.SelectedGrid != nil && *st.SelectedGrid == 201
	})

	st, err := s.SubmitLabel(ctx, 3, "hub")
	if err != nil {
		t.Fatalf("SubmitLabel: %v", err)
	}
	if st.Index != 1 {
		t.Fatalf("index after submit = %d", st.Index)
	}
	if b.labelCount() != 1 {
		t.Fatalf("labels stored = %d", b.labelCount())
	}
	if shots := b.shotNames(); len(shots) != 1 || shots[0] != "201-3.jpg" {
		t.Fatalf("screenshots = %v, want [201-3.jpg]", shots)
	}

	waitFor(t, "next candidate selection", func() bool {
		st := s.Status()
		return st.SelectedGrid != nil && *st.SelectedGrid == 102
	})

	st, err = s.UndoStep(ctx)
	if err != nil {
		t.Fatalf("UndoStep: %v", err)
	}
	if st.Index != 0 {
		t.Fatalf("index after undo = %d", st.Index)
	}
	if b.labelCount() != 0 {
		t.Fatalf("undo should drop the label row")
	}

	stats, err := s.LabelStats(ctx)
	if err != nil {
		t.Fatalf("LabelStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("stats total = %d", stats.Total)
	}

	if _, err := s.ResetQueue(ctx); err != nil {
		t.Fatalf("ResetQueue: %v", err)
	}
	if got := s.Status(); got.Mode != workflow.ModeIdle || got.Total != 0 {
		t.Errorf("after reset: %+v", got)
	}
}

func TestResumeSelectsPersistedCandidate(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	b.queue = []int{102, 103}
	b.index = 1
	s := newTestSession(t, b)

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	st := s.Status()
	if st.Mode != workflow.ModeActive || st.Index != 1 {
		t.Fatalf("resumed state = %+v", st)
	}
	waitFor(t, "resumed candidate selection", func() bool {
		got := s.Status()
		return got.SelectedGrid != nil && *got.SelectedGrid == 103
	})
}

func TestFrameChangesWithState(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	s := newTestSession(t, b)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	plain, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	if err := s.Dispatch(ctx, SelectGrid{GridID: 101}); err != nil {
		t.Fatalf("SelectGrid: %v", err)
	}
	selected, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if bytes.Equal(plain, selected) {
		t.Errorf("selection should change the frame")
	}

	if err := s.Dispatch(ctx, SetColormap{Name: "plasma"}); err != nil {
		t.Fatalf("SetColormap: %v", err)
	}
	recolored, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if bytes.Equal(selected, recolored) {
		t.Errorf("colormap switch should change the frame")
	}
	if got := s.Status().Colormap; got != "plasma" {
		t.Errorf("Colormap = %q, want plasma", got)
	}

	if err := s.Dispatch(ctx, SetHeat{On: false}); err != nil {
		t.Fatalf("SetHeat: %v", err)
	}
	flat, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if bytes.Equal(recolored, flat) {
		t.Errorf("heat toggle should change the frame")
	}
}
