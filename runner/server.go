package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
	"tangled.sh/cosmos/pipeline/log"
	"tangled.sh/cosmos/pipeline/runner/config"
	"tangled.sh/cosmos/pipeline/runner/db"
	"tangled.sh/cosmos/pipeline/runner/models"
	"tangled.sh/cosmos/pipeline/workflow"
)

// maximum accepted webhook body
const maxPayload = 5 << 20

// Serve runs the HTTP server and the worker pool until ctx is done.
func Serve(ctx context.Context, cfg *config.Config) error {
	logger := log.FromContext(ctx)

	r, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	// starts a job queue runner in the background
	r.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting pipeline server", "address", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down pipeline server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (r *Runner) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(r.RequestLogger)

	mux.Post("/trigger", r.TriggerHandler)
	mux.Post("/webhook", r.Webhook)
	mux.Get("/runs/{id}", r.GetRun)
	mux.HandleFunc("/events", r.Events)
	mux.HandleFunc("/logs/{id}", r.Logs)
	return mux
}

type triggerRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type triggerResponse struct {
	Matched  bool     `json:"matched"`
	Run      string   `json:"run,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// TriggerHandler accepts {"event": ..., "payload": ...}.
func (r *Runner) TriggerHandler(w http.ResponseWriter, req *http.Request) {
	var body triggerRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxPayload)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	r.handleEvent(w, req, body.Event, body.Payload)
}

// Webhook accepts a forge webhook, with the event kind in X-GitHub-Event.
func (r *Runner) Webhook(w http.ResponseWriter, req *http.Request) {
	event := req.Header.Get("X-GitHub-Event")
	if event == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing X-GitHub-Event header"))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(req.Body, maxPayload))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	r.handleEvent(w, req, event, payload)
}

func (r *Runner) handleEvent(w http.ResponseWriter, req *http.Request, event string, payload []byte) {
	tr, err := workflow.ParseEvent(event, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, err := r.Enqueue(req.Context(), tr)
	switch {
	case errors.Is(err, ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case p == nil:
		writeJSON(w, http.StatusOK, triggerResponse{Matched: false})
		return
	}

	resp := triggerResponse{Matched: true, Run: p.Id.Id.String()}
	for _, warning := range p.Warnings {
		resp.Warnings = append(resp.Warnings, warning.String())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (r *Runner) GetRun(w http.ResponseWriter, req *http.Request) {
	rid, err := models.ParseRunId(chi.URLParam(req, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := r.db.GetRun(rid)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		r.l.Error("failed to get run", "run", rid.String(), "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to get run"))
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
