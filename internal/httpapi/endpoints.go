package httpapi

import (
	"errors"
	"net/http"
	"os"

	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/run"
	"pkt.systems/tripd/internal/version"
)

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.StartRunRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	id, err := h.ctrl.Start(r.Context(), req.Mode, req.Params)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, api.StartRunResponse{OK: true, RunID: id, Status: "starting"})
		return nil
	case errors.Is(err, run.ErrAlreadyRunning):
		// Not a client fault and not a server fault: the caller just lost the
		// single-run race. Report it as a structured refusal.
		h.writeJSON(w, http.StatusOK, api.StartRunResponse{OK: false, Error: "already_running"})
		return nil
	case errors.Is(err, run.ErrValidation):
		return httpError{Status: http.StatusBadRequest, Code: "validation_failed", Detail: err.Error()}
	default:
		return err
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	resp := api.StatusResponse{
		OK:       true,
		Phase:    string(run.PhaseIdle),
		Backend:  h.backendName,
		Degraded: h.isDegraded(),
	}
	rec, err := h.ctrl.Status(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		// Reads never fail with a 5xx; an unreadable backend degrades to an
		// explicit not-ok snapshot.
		resp.OK = false
		resp.ETASeconds = -1
		h.writeJSON(w, http.StatusOK, resp)
		return nil
	}
	resp.ETASeconds = h.ctrl.ETASeconds(rec)
	if rec != nil {
		resp.RunID = rec.ID
		resp.Phase = string(rec.Phase)
		resp.Progress = rec.Progress
		resp.Mode = rec.Mode
		resp.Metrics = rec.Metrics
		resp.Error = rec.Error
		resp.Counters = rec.Counters
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.ProgressRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	ctx := r.Context()
	var err error
	if req.Error != nil {
		err = h.ctrl.Fail(ctx, req.RunID, *req.Error)
	} else {
		err = h.ctrl.Progress(ctx, req.RunID, run.Phase(req.Phase), req.Progress, 0)
	}
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, api.ProgressResponse{OK: true})
		return nil
	case errors.Is(err, run.ErrRunMismatch):
		h.writeJSON(w, http.StatusOK, api.ProgressResponse{OK: false, Error: "run_id mismatch"})
		return nil
	default:
		return err
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req struct {
		RunID string `json:"run_id"`
	}
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	err := h.ctrl.Cancel(r.Context(), req.RunID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, api.ProgressResponse{OK: true})
		return nil
	case errors.Is(err, run.ErrRunMismatch):
		h.writeJSON(w, http.StatusOK, api.ProgressResponse{OK: false, Error: "run_id mismatch"})
		return nil
	default:
		return err
	}
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	rep, err := h.ctrl.Report(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil || rep == nil {
		h.writeJSON(w, http.StatusOK, api.ReportResponse{OK: false, Error: "report_not_found"})
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.ReportResponse{OK: true, Source: h.backendName, Report: rep})
	return nil
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	eff, source, err := h.ctrl.Effective(r.Context())
	if err != nil {
		return err
	}
	chain := make([]api.PrecedenceEntry, 0, len(eff.Chain))
	for _, e := range eff.Chain {
		chain = append(chain, api.PrecedenceEntry{Field: e.Field, WinningLayer: string(e.Winner)})
	}
	h.writeJSON(w, http.StatusOK, api.ConfigResponse{
		OK:              true,
		EffectiveParams: eff.Params.WireMap(),
		PrecedenceChain: chain,
		Source:          source,
	})
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	resp := api.HealthResponse{
		OK:            true,
		Backend:       h.backendName,
		Version:       version.Current(),
		Degraded:      h.isDegraded(),
		UptimeSeconds: h.clock.Now().Sub(h.startedAt).Seconds(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is starting or draining"}
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	return nil
}
