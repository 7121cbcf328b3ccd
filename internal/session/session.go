// Package session owns the annotation engine state: the projection,
// the filtered dataset snapshot, overlays, the current selection and
// the labeling workflow. All mutation goes through Dispatch or the
// queue wrappers; rendering reads one consistent snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridflow/annotator/internal/cache"
	"github.com/gridflow/annotator/internal/dataset"
	"github.com/gridflow/annotator/internal/geo"
	"github.com/gridflow/annotator/internal/overlay"
	"github.com/gridflow/annotator/internal/render"
	"github.com/gridflow/annotator/internal/store"
	"github.com/gridflow/annotator/internal/workflow"
)

var (
	// ErrNoDataset reports a command that needs cells before Bootstrap
	// loaded any.
	ErrNoDataset = errors.New("no dataset loaded")
	// ErrUnknownGrid reports a grid id the store does not know.
	ErrUnknownGrid = errors.New("unknown grid id")
	// ErrBadCommand reports command parameters outside their valid
	// range.
	ErrBadCommand = errors.New("bad command")
)

// Options wires a session's collaborators and display defaults.
type Options struct {
	Store    *store.Client
	Cache    *cache.Manager
	Pipeline *render.Pipeline
	Journal  workflow.Recorder
	Ellipses *overlay.Set
	Logger   *zap.Logger

	Width   float64
	Height  float64
	Padding float64

	Colormap           string
	FlowTopK           int
	FlowCoverage       float64
	Screenshots        bool
	ScreenshotMaxWidth int
	SelectTimeout      time.Duration
}

// Session is the single owner of engine state.
type Session struct {
	store    *store.Client
	cache    *cache.Manager
	pipeline *render.Pipeline
	work     *workflow.Workflow
	ellipses *overlay.Set
	log      *zap.Logger
	opts     Options

	mu         sync.Mutex
	space      *geo.Space
	snap       *dataset.Snapshot
	gen        int
	years      []int
	cities     []string
	year       int
	metric     string
	cmap       string
	filter     dataset.Filter
	heat       *dataset.HeatField
	heatOn     bool
	outlinesOn bool
	ellipsesOn bool
	multiYear  bool
	outlines   []overlay.Boundary
	selected   *dataset.Cell
	flows      map[int]*store.FlowBundle
	hourly     store.HourlySeries
	dpr        float64
	note       string
}

// New creates a session and its embedded workflow. The session itself
// is the workflow's screenshot shooter.
func New(opts Options) (*Session, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Pipeline == nil {
		return nil, eris.New("session needs a store client, cache manager and render pipeline")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 800
	}
	if opts.Padding <= 0 {
		opts.Padding = 24
	}
	if opts.Colormap == "" {
		opts.Colormap = "viridis"
	}
	if opts.FlowTopK <= 0 {
		opts.FlowTopK = 40
	}
	if opts.FlowCoverage <= 0 {
		opts.FlowCoverage = 0.9
	}
	if opts.ScreenshotMaxWidth <= 0 {
		opts.ScreenshotMaxWidth = 1280
	}
	if opts.SelectTimeout <= 0 {
		opts.SelectTimeout = 15 * time.Second
	}

	s := &Session{
		store:    opts.Store,
		cache:    opts.Cache,
		pipeline: opts.Pipeline,
		ellipses: opts.Ellipses,
		log:      opts.Logger,
		opts:     opts,
		space:    geo.NewSpace(opts.Width, opts.Height, opts.Padding),
		metric:   "total",
		cmap:     opts.Colormap,
		heatOn:   true,
		dpr:      1,
	}
	s.work = workflow.New(workflow.Options{
		Store:       opts.Store,
		Journal:     opts.Journal,
		Shooter:     s,
		Logger:      opts.Logger,
		Screenshots: opts.Screenshots,
		OnEvent:     s.onWorkflowEvent,
	})
	return s, nil
}

// Bootstrap loads dataset metadata, years, cities and the store's
// capability map in parallel, fits the projection, then resumes any
// persisted labeling queue. Heat and outline loads are tolerated
// failures; the dataset itself is not.
func (s *Session) Bootstrap(ctx context.Context) error {
	var (
		years  []int
		cities []string
		cells  []dataset.Cell
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		got, err := s.store.Years(gctx)
		if err != nil {
			return eris.Wrap(err, "load years")
		}
		years = got
		return nil
	})
	g.Go(func() error {
		got, err := s.store.Cities(gctx)
		if err != nil {
			return eris.Wrap(err, "load cities")
		}
		cities = got
		return nil
	})
	g.Go(func() error {
		got, err := s.store.Metadata(gctx, "", "")
		if err != nil {
			return eris.Wrap(err, "load metadata")
		}
		cells = got
		return nil
	})
	g.Go(func() error {
		// Capability probe; route fallbacks cover a failure.
		if _, err := s.store.Version(gctx); err != nil {
			s.log.Warn("version probe failed, using route fallbacks", zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Ints(years)
	s.mu.Lock()
	s.years = years
	s.cities = cities
	s.snap = dataset.NewSnapshot(cells, dataset.Filter{})
	if b := s.snap.Bounds(); b.Valid() {
		s.space.Fit(b.Pad(0.05))
	}
	if s.year == 0 && len(years) > 0 {
		s.year = years[len(years)-1]
	}
	heatOn := s.heatOn
	s.mu.Unlock()

	s.refreshOutlines(ctx)
	if heatOn {
		if err := s.reloadHeat(ctx); err != nil {
			s.log.Warn("initial heat load failed", zap.Error(err))
		}
	}

	st, err := s.work.Resume(ctx)
	if err != nil {
		s.log.Warn("queue resume failed", zap.Error(err))
		return nil
	}
	if cur, ok := st.Current(); ok {
		s.asyncSelect(cur)
	}
	return nil
}

// Frame renders the current scene, serving repeat frames from the
// cache by scene fingerprint.
func (s *Session) Frame() ([]byte, error) {
	sc, fp := s.scene()
	key := cache.FrameKey(fp)
	if frame, ok := s.cache.GetFrame(key); ok {
		return frame, nil
	}
	frame, err := s.pipeline.Render(sc)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetFrame(key, frame); err != nil {
		s.log.Warn("frame cache store failed", zap.Error(err))
	}
	return frame, nil
}

// Chart renders the hourly panel for the current selection.
func (s *Session) Chart(width, height int) ([]byte, error) {
	s.mu.Lock()
	hourly := s.hourly
	s.mu.Unlock()
	return s.pipeline.RenderChart(hourly, width, height)
}

// Shoot implements workflow.Shooter: it renders the live scene and
// uploads it under the store's screenshot naming scheme.
func (s *Session) Shoot(ctx context.Context, gridID, label int) error {
	sc, _ := s.scene()
	shot, err := s.pipeline.Screenshot(sc, s.opts.ScreenshotMaxWidth)
	if err != nil {
		return eris.Wrap(err, "render screenshot")
	}
	return s.store.SaveScreenshot(ctx, fmt.Sprintf("%d-%d.jpg", gridID, label), shot)
}

// Status is the engine state summary the UI polls.
type Status struct {
	Mode         workflow.Mode  `json:"mode"`
	Busy         bool           `json:"busy"`
	Index        int            `json:"index"`
	Total        int            `json:"total"`
	Current      *int           `json:"current,omitempty"`
	Note         string         `json:"note,omitempty"`
	Year         int            `json:"year"`
	Years        []int          `json:"years"`
	Metric       string         `json:"metric"`
	Colormap     string         `json:"colormap"`
	Cities       []string       `json:"cities"`
	Filter       dataset.Filter `json:"filter"`
	HeatOn       bool           `json:"heat_on"`
	OutlinesOn   bool           `json:"outlines_on"`
	EllipsesOn   bool           `json:"ellipses_on"`
	MultiYear    bool           `json:"multi_year"`
	SelectedGrid *int           `json:"selected_grid,omitempty"`
	CellCount    int            `json:"cell_count"`
	View         geo.Transform  `json:"view"`
}

// Status reports the current engine state.
func (s *Session) Status() Status {
	wst := s.work.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Mode:       wst.Mode,
		Busy:       wst.Busy,
		Index:      wst.Index,
		Total:      wst.Total(),
		Note:       s.note,
		Year:       s.year,
		Years:      s.years,
		Metric:     s.metric,
		Colormap:   s.cmap,
		Cities:     s.cities,
		Filter:     s.filter,
		HeatOn:     s.heatOn,
		OutlinesOn: s.outlinesOn,
		EllipsesOn: s.ellipsesOn,
		MultiYear:  s.multiYear,
		View:       s.space.View(),
	}
	if cur, ok := wst.Current(); ok {
		st.Current = &cur
	}
	if s.selected != nil {
		id := s.selected.GridID
		st.SelectedGrid = &id
	}
	if s.snap != nil {
		st.CellCount = s.snap.Len()
	}
	return st
}

// scene assembles one consistent render snapshot and its cache
// fingerprint under the session lock.
func (s *Session) scene() (render.Scene, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := render.Scene{
		Space:      *s.space,
		DPR:        s.dpr,
		HeatOn:     s.heatOn,
		Heat:       s.heat,
		Colormap:   s.cmap,
		OutlinesOn: s.outlinesOn,
		Outlines:   s.outlines,
		MultiYear:  s.multiYear,
		EllipsesOn: s.ellipsesOn,
	}
	if s.snap != nil {
		sc.Cells = s.snap.Cells()
	}

	selID := 0
	if s.selected != nil {
		sel := *s.selected
		sc.Selected = &sel
		selID = sel.GridID

		if s.multiYear {
			years := make([]int, 0, len(s.flows))
			for y := range s.flows {
				years = append(years, y)
			}
			sort.Ints(years)
			for _, y := range years {
				if b := s.flows[y]; b != nil {
					sc.FlowYears = append(sc.FlowYears, render.YearFlows{Year: y, Bundle: b})
				}
			}
		} else {
			sc.Flows = s.flows[s.year]
		}

		if s.ellipsesOn {
			if s.multiYear {
				for _, y := range s.years {
					if e, ok := s.ellipses.For(y, selID); ok {
						sc.Ellipses = append(sc.Ellipses, render.YearEllipse{Year: y, Ellipse: e})
					}
				}
			} else if e, ok := s.ellipses.For(s.year, selID); ok {
				sc.Ellipses = []render.YearEllipse{{Year: s.year, Ellipse: e}}
			}
		}
	}

	v := s.space.View()
	heatLen := 0
	if s.heat != nil {
		heatLen = len(s.heat.Values)
	}
	fp := fmt.Sprintf("%gx%g@%g|%.4f,%.4f,%.5f|y%d:%s:%s|f:%s/%s/%s|h%t:%d|o%t:%d|e%t|m%t|s%d|c%d|fl%d",
		s.space.Width, s.space.Height, s.dpr, v.X, v.Y, v.K,
		s.year, s.metric, s.cmap, s.filter.City, s.filter.Area, s.filter.Keyword,
		s.heatOn, heatLen, s.outlinesOn, len(s.outlines), s.ellipsesOn, s.multiYear,
		selID, len(sc.Cells), len(s.flows))
	return sc, fp
}

// reloadDataset refetches metadata under the current filter and swaps
// in a freshly built snapshot and index. Results racing a newer filter
// change are dropped.
func (s *Session) reloadDataset(ctx context.Context) error {
	s.mu.Lock()
	f := s.filter
	gen := s.gen
	s.mu.Unlock()

	cells, err := s.store.Metadata(ctx, f.City, f.Area)
	if err != nil {
		return eris.Wrap(err, "reload metadata")
	}

	snap := dataset.NewSnapshot(cells, f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.snap = snap
	if b := snap.Bounds(); b.Valid() {
		s.space.Fit(b.Pad(0.05))
	}
	if s.selected != nil {
		if _, ok := snap.ByID(s.selected.GridID); !ok {
			// Queue candidates may sit outside the filtered view;
			// keep the selection only while the store knows it.
			s.log.Debug("selection outside filtered dataset", zap.Int("grid_id", s.selected.GridID))
		}
	}
	return nil
}

// reloadHeat loads the heat field for the current year, metric and
// filter, cache-first.
func (s *Session) reloadHeat(ctx context.Context) error {
	s.mu.Lock()
	year, metric, f := s.year, s.metric, s.filter
	s.mu.Unlock()

	key := cache.HeatKey(year, metric, f.City, f.Area)
	if field, ok := s.cache.GetHeat(key); ok {
		s.applyHeat(year, metric, field)
		return nil
	}

	resp, err := s.store.Heat(ctx, year, metric, f.City, f.Area)
	if err != nil {
		return eris.Wrap(err, "load heat")
	}
	field := resp.Field()
	s.cache.SetHeat(key, field)
	s.applyHeat(year, metric, field)
	return nil
}

func (s *Session) applyHeat(year int, metric string, field *dataset.HeatField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.year == year && s.metric == metric {
		s.heat = field
	}
}

// refreshOutlines prefers administrative rings when the store
// advertises its bounds route, falling back to per-city convex hulls
// over the current cells.
func (s *Session) refreshOutlines(ctx context.Context) {
	s.mu.Lock()
	snap := s.snap
	f := s.filter
	s.mu.Unlock()
	if snap == nil {
		return
	}

	var items []overlay.Boundary
	if s.store.SupportsRoute("bounds") {
		var names []string
		if f.City != "" {
			names = []string{f.City}
		}
		resp, err := s.store.Boundaries(ctx, "city", names)
		switch {
		case err != nil:
			s.log.Warn("boundary fetch failed, falling back to hulls", zap.Error(err))
		case len(resp.Items) > 0:
			items = resp.Items
		}
	}
	if len(items) == 0 {
		items = overlay.CityHulls(snap.Cells(), 0)
	}

	s.mu.Lock()
	s.outlines = items
	s.mu.Unlock()
}

// loadSelection fetches the flow neighborhood and hourly series for a
// grid, cache-first and in parallel, then installs them if the
// selection still points at that grid.
func (s *Session) loadSelection(ctx context.Context, gridID int) error {
	fkey := cache.FlowKey(gridID, s.opts.FlowTopK, s.opts.FlowCoverage, "both")
	flows, okF := s.cache.GetFlows(fkey)
	hourly, okH := s.cache.GetHourly(gridID)

	g, gctx := errgroup.WithContext(ctx)
	if !okF {
		g.Go(func() error {
			got, err := s.store.FlowsAllYears(gctx, store.FlowQuery{
				GridID:    gridID,
				Direction: "both",
				TopK:      s.opts.FlowTopK,
				Coverage:  s.opts.FlowCoverage,
			})
			if err != nil {
				return eris.Wrapf(err, "load flows for grid %d", gridID)
			}
			flows = got
			s.cache.SetFlows(fkey, got)
			return nil
		})
	}
	if !okH {
		g.Go(func() error {
			got, err := s.store.Hourly(gctx, gridID)
			if err != nil {
				return eris.Wrapf(err, "load hourly for grid %d", gridID)
			}
			hourly = got
			s.cache.SetHourly(gridID, got)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != nil && s.selected.GridID == gridID {
		s.flows = flows
		s.hourly = hourly
	}
	return nil
}

func (s *Session) setNote(note string) {
	s.mu.Lock()
	s.note = note
	s.mu.Unlock()
}
