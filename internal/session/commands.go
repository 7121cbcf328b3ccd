package session

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridflow/annotator/internal/dataset"
	"github.com/gridflow/annotator/internal/geo"
	"github.com/gridflow/annotator/internal/store"
)

// clickTolerancePx is the hit radius around a click, in screen pixels.
const clickTolerancePx = 12.0

// Command is a state mutation applied through Dispatch.
type Command interface{ isCommand() }

type (
	// Click selects the nearest cell to a screen position.
	Click struct{ X, Y float64 }
	// Pan shifts the view by a pixel delta.
	Pan struct{ DX, DY float64 }
	// Zoom multiplies the zoom, keeping the given pixel anchored.
	Zoom struct{ Factor, X, Y float64 }
	// Resize adapts the projection to a new canvas size.
	Resize struct{ Width, Height, DPR float64 }
	// ResetView restores the identity view transform.
	ResetView struct{}
	// SetFilter reloads the dataset under new filter criteria.
	SetFilter struct{ City, Area, Keyword string }
	// SetYear switches the displayed year.
	SetYear struct{ Year int }
	// SetMetric switches the heat metric ("total", "in" or "out").
	SetMetric struct{ Metric string }
	// SetColormap switches the heat palette. Unknown names render with
	// the pipeline's default.
	SetColormap struct{ Name string }
	// SetHeat toggles the heat layer.
	SetHeat struct{ On bool }
	// SetOutlines toggles the boundary layer.
	SetOutlines struct{ On bool }
	// SetEllipses toggles the confidence ellipse layer.
	SetEllipses struct{ On bool }
	// SetMultiYear toggles the per-year flow overlay.
	SetMultiYear struct{ On bool }
	// SelectGrid selects a cell by grid id.
	SelectGrid struct{ GridID int }
	// ClearSelection drops the current selection.
	ClearSelection struct{}
)

func (Click) isCommand()          {}
func (Pan) isCommand()            {}
func (Zoom) isCommand()           {}
func (Resize) isCommand()         {}
func (ResetView) isCommand()      {}
func (SetFilter) isCommand()      {}
func (SetYear) isCommand()        {}
func (SetMetric) isCommand()      {}
func (SetColormap) isCommand()    {}
func (SetHeat) isCommand()        {}
func (SetOutlines) isCommand()    {}
func (SetEllipses) isCommand()    {}
func (SetMultiYear) isCommand()   {}
func (SelectGrid) isCommand()     {}
func (ClearSelection) isCommand() {}

// Dispatch applies one command. View commands mutate only the
// projection; data commands may call the store. None of them take the
// workflow busy lock.
func (s *Session) Dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case Click:
		return s.click(ctx, c)
	case Pan:
		s.mu.Lock()
		s.space.PanBy(c.DX, c.DY)
		s.mu.Unlock()
		return nil
	case Zoom:
		if c.Factor <= 0 {
			return eris.Wrap(ErrBadCommand, "zoom factor must be positive")
		}
		s.mu.Lock()
		s.space.ZoomAround(c.X, c.Y, c.Factor)
		s.mu.Unlock()
		return nil
	case Resize:
		if c.Width <= 0 || c.Height <= 0 {
			return eris.Wrap(ErrBadCommand, "canvas size must be positive")
		}
		s.mu.Lock()
		s.space.Resize(c.Width, c.Height)
		if c.DPR > 0 {
			s.dpr = c.DPR
		}
		s.mu.Unlock()
		return nil
	case ResetView:
		s.mu.Lock()
		s.space.ResetView()
		s.mu.Unlock()
		return nil
	case SetFilter:
		return s.setFilter(ctx, c)
	case SetYear:
		return s.setYear(ctx, c.Year)
	case SetMetric:
		return s.setMetric(ctx, c.Metric)
	case SetColormap:
		s.mu.Lock()
		s.cmap = c.Name
		s.mu.Unlock()
		return nil
	case SetHeat:
		return s.setHeat(ctx, c.On)
	case SetOutlines:
		s.mu.Lock()
		s.outlinesOn = c.On
		s.mu.Unlock()
		return nil
	case SetEllipses:
		s.mu.Lock()
		s.ellipsesOn = c.On
		s.mu.Unlock()
		return nil
	case SetMultiYear:
		s.mu.Lock()
		s.multiYear = c.On
		s.mu.Unlock()
		return nil
	case SelectGrid:
		return s.SelectGrid(ctx, c.GridID)
	case ClearSelection:
		s.mu.Lock()
		s.selected = nil
		s.flows = nil
		s.hourly = nil
		s.mu.Unlock()
		return nil
	default:
		return eris.Errorf("unknown command %T", cmd)
	}
}

// click resolves a screen position to the nearest cell through the
// spatial index. A miss is a note, not an error.
func (s *Session) click(ctx context.Context, c Click) error {
	s.mu.Lock()
	if s.snap == nil {
		s.mu.Unlock()
		return ErrNoDataset
	}
	lon, lat := s.space.Unproject(c.X, c.Y)
	cell, ok := s.snap.Nearest(lon, lat, clickRadiusDeg(s.space))
	s.mu.Unlock()

	if !ok {
		s.setNote("no cell near the click")
		return nil
	}
	return s.selectCell(ctx, cell)
}

// SelectGrid selects a cell by id. Candidates outside the filtered
// snapshot are resolved through the store so queue items stay
// selectable under any filter.
func (s *Session) SelectGrid(ctx context.Context, gridID int) error {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()

	if snap != nil {
		if cell, ok := snap.ByID(gridID); ok {
			return s.selectCell(ctx, cell)
		}
	}
	cell, err := s.store.MetaOne(ctx, gridID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(ErrUnknownGrid, "grid %d", gridID)
		}
		return eris.Wrapf(err, "resolve grid %d", gridID)
	}
	return s.selectCell(ctx, cell)
}

func (s *Session) selectCell(ctx context.Context, cell *dataset.Cell) error {
	s.mu.Lock()
	s.selected = cell
	s.flows = nil
	s.hourly = nil
	s.mu.Unlock()
	return s.loadSelection(ctx, cell.GridID)
}

func (s *Session) setFilter(ctx context.Context, c SetFilter) error {
	s.mu.Lock()
	s.filter = dataset.Filter{City: c.City, Area: c.Area, Keyword: c.Keyword}
	s.gen++
	heatOn := s.heatOn
	s.mu.Unlock()

	if err := s.reloadDataset(ctx); err != nil {
		return err
	}
	s.refreshOutlines(ctx)
	if heatOn {
		if err := s.reloadHeat(ctx); err != nil {
			s.log.Warn("heat reload after filter change failed", zap.Error(err))
			s.setNote("heat unavailable for this filter")
		}
	}
	return nil
}

func (s *Session) setYear(ctx context.Context, year int) error {
	s.mu.Lock()
	s.year = year
	heatOn := s.heatOn
	s.mu.Unlock()
	if heatOn {
		return s.reloadHeat(ctx)
	}
	return nil
}

func (s *Session) setMetric(ctx context.Context, metric string) error {
	switch metric {
	case "total", "in", "out":
	default:
		return eris.Wrapf(ErrBadCommand, "unknown metric %q", metric)
	}
	s.mu.Lock()
	s.metric = metric
	heatOn := s.heatOn
	s.mu.Unlock()
	if heatOn {
		return s.reloadHeat(ctx)
	}
	return nil
}

func (s *Session) setHeat(ctx context.Context, on bool) error {
	s.mu.Lock()
	s.heatOn = on
	needLoad := on && s.heat == nil
	s.mu.Unlock()
	if needLoad {
		return s.reloadHeat(ctx)
	}
	return nil
}

// clickRadiusDeg converts the pixel hit tolerance to degrees at the
// current zoom, using the denser axis so hits stay conservative.
func clickRadiusDeg(sp *geo.Space) float64 {
	ppd := sp.PixelsPerLonDegree()
	if v := sp.PixelsPerLatDegree(); v > ppd {
		ppd = v
	}
	if ppd <= 0 {
		return 0.01
	}
	return clickTolerancePx / ppd
}
