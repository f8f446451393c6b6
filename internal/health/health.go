// Package health serves the admin probes of the assistant.
//
//   - GET /healthz answers 200 while the process can serve HTTP.
//   - GET /readyz runs every [Checker] concurrently. A failing required
//     checker answers 503. Failing optional checkers only mark the report
//     as degraded.
//   - GET /statusz returns the document of the configured [StatusFunc].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Report states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency of the assistant.
type Checker struct {
	// Name keys the check in the report (e.g. "capture", "remote_llm").
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional marks a dependency the assistant can answer without, such as
	// the remote model while local answers still work.
	Optional bool
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Optional bool    `json:"optional,omitempty"`
	Millis   float64 `json:"ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether no required check failed.
func (r Report) Ready() bool { return r.Status != StatusFail }

// StatusFunc returns a JSON-encodable status document.
type StatusFunc func(ctx context.Context) any

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	status   StatusFunc
	now      func() time.Time
}

// New returns a [Handler] for the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		now:      time.Now,
	}
}

// WithStatus sets the function behind /statusz and returns h.
func (h *Handler) WithStatus(fn StatusFunc) *Handler {
	h.status = fn
	return h
}

// Evaluate runs all checkers concurrently, each under its own timeout.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{Status: StatusOK}
	if len(h.checkers) == 0 {
		return rep
	}
	rep.Checks = make(map[string]CheckResult, len(h.checkers))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := h.run(ctx, c)
			mu.Lock()
			rep.Checks[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range rep.Checks {
		switch {
		case res.Status == StatusOK:
		case res.Optional:
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
		default:
			rep.Status = StatusFail
		}
	}
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := h.now()
	err := c.Check(ctx)
	res := CheckResult{
		Status:   StatusOK,
		Optional: c.Optional,
		Millis:   float64(h.now().Sub(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
	}
	return res
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 200 unless a required checker fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Statusz writes the status document, or 404 when no [StatusFunc] is set.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status(r.Context()))
}

// Register mounts the probes on mux. /statusz is only mounted when a status
// function is configured.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /statusz", h.Statusz)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
