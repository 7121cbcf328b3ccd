// Package api exposes the annotation engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gridflow/annotator/internal/cache"
	"github.com/gridflow/annotator/internal/session"
	"github.com/gridflow/annotator/internal/store"
	"github.com/gridflow/annotator/internal/workflow"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Session     *session.Session
	Cache       *cache.Manager
	CORSOrigins []string
}

// NewRouter creates the engine's HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := cfg.Session

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/frame.png", frameHandler(s))
	r.Get("/chart.png", chartHandler(s))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler(s))

		r.Route("/view", func(r chi.Router) {
			r.Post("/click", clickHandler(s))
			r.Post("/pan", panHandler(s))
			r.Post("/zoom", zoomHandler(s))
			r.Post("/resize", resizeHandler(s))
			r.Post("/reset", resetViewHandler(s))
		})

		r.Post("/controls", controlsHandler(s))
		r.Post("/filter", filterHandler(s))
		r.Get("/select", selectHandler(s))

		r.Post("/queue/start", queueStartHandler(s))
		r.Post("/queue/reset", queueResetHandler(s))
		r.Post("/label", labelHandler(s))
		r.Post("/skip", skipHandler(s))
		r.Post("/undo", undoHandler(s))
		r.Post("/resume", resumeHandler(s))

		r.Get("/labels", labelsHandler(s))
		r.Get("/labels/stats", labelStatsHandler(s))
		r.Post("/labels/clear", labelsClearHandler(s))

		if cfg.Cache != nil {
			r.Get("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, cfg.Cache.Stats())
			})
		}
	})

	return r
}

// writeError maps engine sentinels onto HTTP status codes. A busy
// workflow conflicts, bad input is the caller's fault, and a dead
// store is a gateway problem.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, workflow.ErrBadLabel),
		errors.Is(err, workflow.ErrNotActive),
		errors.Is(err, session.ErrUnknownGrid),
		errors.Is(err, session.ErrNoDataset),
		errors.Is(err, session.ErrBadCommand):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrUnreachable):
		code = http.StatusBadGateway
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func frameHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := s.Frame()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		// Frames track live state and must never be cached downstream.
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

func chartHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		width := parseDimension(r.URL.Query().Get("width"), 480)
		height := parseDimension(r.URL.Query().Get("height"), 260)
		data, err := s.Chart(width, height)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

func parseDimension(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	if v > 4096 {
		v = 4096
	}
	return v
}

func statusHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Status())
	}
}

func clickHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.Dispatch(r.Context(), session.Click{X: req.X, Y: req.Y}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func panHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DX float64 `json:"dx"`
			DY float64 `json:"dy"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.Dispatch(r.Context(), session.Pan{DX: req.DX, DY: req.DY}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func zoomHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Factor float64 `json:"factor"`
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.Dispatch(r.Context(), session.Zoom{Factor: req.Factor, X: req.X, Y: req.Y}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func resizeHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
			DPR    float64 `json:"dpr"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		cmd := session.Resize{Width: req.Width, Height: req.Height, DPR: req.DPR}
		if err := s.Dispatch(r.Context(), cmd); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func resetViewHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Dispatch(r.Context(), session.ResetView{}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

// controlsHandler applies the display controls present in the body.
// Absent fields keep their current values.
func controlsHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Year       *int    `json:"year"`
			Metric     *string `json:"metric"`
			Colormap   *string `json:"colormap"`
			HeatOn     *bool   `json:"heat_on"`
			OutlinesOn *bool   `json:"outlines_on"`
			EllipsesOn *bool   `json:"ellipses_on"`
			MultiYear  *bool   `json:"multi_year"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		ctx := r.Context()
		var cmds []session.Command
		if req.Year != nil {
			cmds = append(cmds, session.SetYear{Year: *req.Year})
		}
		if req.Metric != nil {
			cmds = append(cmds, session.SetMetric{Metric: *req.Metric})
		}
		if req.Colormap != nil {
			cmds = append(cmds, session.SetColormap{Name: *req.Colormap})
		}
		if req.HeatOn != nil {
			cmds = append(cmds, session.SetHeat{On: *req.HeatOn})
		}
		if req.OutlinesOn != nil {
			cmds = append(cmds, session.SetOutlines{On: *req.OutlinesOn})
		}
		if req.EllipsesOn != nil {
			cmds = append(cmds, session.SetEllipses{On: *req.EllipsesOn})
		}
		if req.MultiYear != nil {
			cmds = append(cmds, session.SetMultiYear{On: *req.MultiYear})
		}
		for _, cmd := range cmds {
			if err := s.Dispatch(ctx, cmd); err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, s.Status())
	}
}

func filterHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			City    string `json:"city_name"`
			Area    string `json:"area_name"`
			Keyword string `json:"keyword"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		cmd := session.SetFilter{City: req.City, Area: req.Area, Keyword: req.Keyword}
		if err := s.Dispatch(r.Context(), cmd); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func selectHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gridID, err := strconv.Atoi(r.URL.Query().Get("grid_id"))
		if err != nil {
			http.Error(w, "invalid grid_id", http.StatusBadRequest)
			return
		}
		if err := s.Dispatch(r.Context(), session.SelectGrid{GridID: gridID}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func queueStartHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Count      int      `json:"count"`
			City       string   `json:"city_name"`
			Area       string   `json:"area_name"`
			Keyword    string   `json:"keyword"`
			LowPct     *float64 `json:"low_pct"`
			LowValue   *float64 `json:"low_value"`
			FilterYear *int     `json:"filter_year"`
			Seed       *int64   `json:"seed"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Count <= 0 {
			req.Count = 20
		}

		out, err := s.StartQueue(r.Context(), workflow.StartOptions{
			Count:      req.Count,
			City:       req.City,
			Area:       req.Area,
			Keyword:    req.Keyword,
			LowPct:     req.LowPct,
			LowValue:   req.LowValue,
			FilterYear: req.FilterYear,
			Seed:       req.Seed,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"status":        s.Status(),
			"no_candidates": out.NoCandidates,
			"degraded":      out.Degraded,
			"note":          out.Note,
		})
	}
}

func queueResetHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.ResetQueue(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func labelHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label  *int   `json:"label"`
			Remark string `json:"remark"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Label == nil {
			http.Error(w, "label is required", http.StatusBadRequest)
			return
		}
		if _, err := s.SubmitLabel(r.Context(), *req.Label, req.Remark); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func skipHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.SkipCell(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func undoHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.UndoStep(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func resumeHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.ResumeQueue(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Status())
	}
}

func labelsHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.Labels(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if rows == nil {
			rows = []store.LabelRecord{}
		}
		writeJSON(w, rows)
	}
}

func labelStatsHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.LabelStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, stats)
	}
}

// labelsClearHandler wipes every stored label, so it demands explicit
// confirmation in the body or query string.
func labelsClearHandler(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		confirmed := r.URL.Query().Get("confirm") == "true"
		if !confirmed && r.Body != nil {
			var req struct {
				Confirm bool `json:"confirm"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				confirmed = req.Confirm
			}
		}
		if !confirmed {
			http.Error(w, "clearing labels requires confirm=true", http.StatusBadRequest)
			return
		}
		if err := s.ClearLabels(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"cleared": true})
	}
}
