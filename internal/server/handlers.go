package server

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/trialopt/internal/report"
	"github.com/me/trialopt/pkg/model"
)

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, discoveryResponse{
		Name:        "trialopt status API",
		Version:     "v1",
		Description: "Read-only view of a running parameter optimization",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/run", []string{"GET"}, "Run summary: budget, progress, cost and best trial"},
			{"/api/v1/best", []string{"GET"}, "Best completed trial so far"},
			{"/api/v1/trials", []string{"GET"}, "List trials. Accepts ?state=, ?limit= and ?offset="},
			{"/api/v1/trials/{id}", []string{"GET"}, "Single trial detail"},
		},
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Run       string `json:"run"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	run := "not_started"
	if snap := snapshotFromContext(r.Context()); snap != nil {
		run = snap.ID
	}
	respondOK(w, r, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Run:       run,
	})
}

// snapshot writes a 503 and returns nil when the run has not started.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) *model.Run {
	snap := snapshotFromContext(r.Context())
	if snap == nil {
		respondError(w, r, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrUnavailable, Message: "run has not started"})
	}
	return snap
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	respondOK(w, r, report.Summarize(snap))
}

func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	best := snap.Best()
	if best == nil {
		respondError(w, r, http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: "no trial has completed yet"})
		return
	}
	respondOK(w, r, best)
}

func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		respondError(w, r, http.StatusBadRequest, apiErr)
		return
	}
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	trials, pg := snap.ListTrials(opts)
	respondList(w, r, trials, &pg)
}

func (s *Server) handleGetTrial(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, model.NewValidationError("trial id %q is not an integer", raw))
		return
	}
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	t := snap.Trial(id)
	if t == nil {
		respondError(w, r, http.StatusNotFound, model.NewNotFoundError("trial", raw))
		return
	}
	respondOK(w, r, t)
}

func parseListOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("limit %q is not an integer", v)
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("offset %q is not an integer", v)
		}
		opts.Offset = n
	}
	if v := q.Get("state"); v != "" {
		st := model.TrialState(strings.ToUpper(v))
		switch st {
		case model.TrialStatePending, model.TrialStateSubmitted, model.TrialStateRunning,
			model.TrialStateCompleted, model.TrialStateFailed:
			opts.State = st
		default:
			return opts, model.NewValidationError("unknown trial state %q", v)
		}
	}
	opts.Clamp()
	return opts, nil
}
