package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridflow/annotator/internal/api"
	"github.com/gridflow/annotator/internal/cache"
	"github.com/gridflow/annotator/internal/journal"
	"github.com/gridflow/annotator/internal/overlay"
	"github.com/gridflow/annotator/internal/render"
	"github.com/gridflow/annotator/internal/session"
	"github.com/gridflow/annotator/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the annotation engine HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cacheManager, err := cache.NewManager(cache.Config{
			FrameCacheSizeMB: cfg.Cache.FrameSizeMB,
			FrameTTL:         time.Duration(cfg.Cache.FrameTTLMinutes) * time.Minute,
			QueryCacheSize:   cfg.Cache.QuerySize,
		})
		if err != nil {
			return eris.Wrap(err, "init cache")
		}
		defer cacheManager.Close()

		pipeline := render.New(render.Config{
			DefaultColormap: cfg.Render.DefaultColormap,
			JPEGQuality:     cfg.Render.JPEGQuality,
		})

		client, err := store.New(store.Options{
			BaseURL:      cfg.Store.BaseURL,
			Timeout:      time.Duration(cfg.Store.TimeoutSeconds) * time.Second,
			ProbeTimeout: time.Duration(cfg.Store.ProbeTimeoutMS) * time.Millisecond,
			Logger:       logger,
		})
		if err != nil {
			return eris.Wrap(err, "init store client")
		}

		jnl, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return eris.Wrap(err, "open journal")
		}
		defer jnl.Close()

		var ellipses *overlay.Set
		if cfg.Overlay.EllipsePath != "" {
			ellipses, err = overlay.LoadEllipses(cfg.Overlay.EllipsePath)
			if err != nil {
				// The ellipse layer is optional; run without it.
				logger.Warn("ellipse overlay not loaded",
					zap.String("path", cfg.Overlay.EllipsePath),
					zap.Error(err))
				ellipses = nil
			} else {
				logger.Info("ellipse overlay loaded",
					zap.String("path", cfg.Overlay.EllipsePath),
					zap.Int("ellipses", ellipses.Len()))
			}
		}

		sess, err := session.New(session.Options{
			Store:              client,
			Cache:              cacheManager,
			Pipeline:           pipeline,
			Journal:            jnl,
			Ellipses:           ellipses,
			Logger:             logger,
			Width:              float64(cfg.Render.Width),
			Height:             float64(cfg.Render.Height),
			Padding:            float64(cfg.Render.Padding),
			Colormap:           cfg.Render.DefaultColormap,
			FlowTopK:           cfg.Labeling.FlowTopK,
			FlowCoverage:       cfg.Labeling.FlowCoverage,
			Screenshots:        !cfg.Labeling.DisableScreenshots,
			ScreenshotMaxWidth: cfg.Labeling.ScreenshotMaxWidth,
		})
		if err != nil {
			return eris.Wrap(err, "init session")
		}

		if err := sess.Bootstrap(ctx); err != nil {
			return eris.Wrap(err, "bootstrap against store")
		}
		st := sess.Status()
		logger.Info("session ready",
			zap.Int("cells", st.CellCount),
			zap.Ints("years", st.Years),
			zap.String("mode", string(st.Mode)))

		router := api.NewRouter(api.RouterConfig{
			Session:     sess,
			Cache:       cacheManager,
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server forced to shut down", zap.Error(err))
			}
		}()

		logger.Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
