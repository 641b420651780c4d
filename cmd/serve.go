package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		router := buildRouter(ctx, env)
		return startServer(ctx, router, resolvePort(servePort, cfg.Server.Port))
	},
}

// buildRouter assembles the HTTP API. The context is the server lifetime;
// batch runs triggered over HTTP are tied to it rather than to the request.
func buildRouter(ctx context.Context, env *pipelineEnv) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/batches", func(w http.ResponseWriter, req *http.Request) {
			limit := queryInt(req, "limit", 50)
			entries, err := env.Store.ListLedger(req.Context(), limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, entries)
		})

		r.Get("/batches/{batchID}", func(w http.ResponseWriter, req *http.Request) {
			entry, err := env.Store.GetLedger(req.Context(), chi.URLParam(req, "batchID"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if entry == nil {
				writeError(w, http.StatusNotFound, eris.New("batch not found"))
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})

		// Resume a batch from its last committed offset. Runs
		// asynchronously; poll the ledger for completion.
		r.Post("/batches/{batchID}/run", func(w http.ResponseWriter, req *http.Request) {
			batchID := chi.URLParam(req, "batchID")
			entry, err := env.Store.GetLedger(req.Context(), batchID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if entry == nil {
				writeError(w, http.StatusNotFound, eris.New("batch not found"))
				return
			}

			go func() {
				start := time.Now()
				result, err := env.Coordinator.RunBatch(ctx, batchID, nil)
				if err != nil {
					zap.L().Error("batch run failed",
						zap.String("batch_id", batchID),
						zap.Error(err))
					return
				}
				zap.L().Info("batch run complete",
					zap.String("batch_id", batchID),
					zap.Int64("offset", result.Offset),
					zap.Duration("elapsed", time.Since(start)))
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":   "accepted",
				"batch_id": batchID,
			})
		})

		r.Get("/review-flags", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			flags, err := env.Store.ListFlags(req.Context(), store.FlagFilter{
				BatchID:    q.Get("batch"),
				Reason:     model.FlagReason(q.Get("reason")),
				Unresolved: q.Get("unresolved") == "true",
				Limit:      queryInt(req, "limit", 100),
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, flags)
		})
	})

	return r
}

// startServer runs the HTTP server until the context is cancelled, then
// shuts down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(req *http.Request, name string, def int) int {
	v := req.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
