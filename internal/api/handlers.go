package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/1sec-project/socsim/internal/core"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	status["version"] = Version
	status["status"] = "running"
	status["timestamp"] = time.Now().UTC()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	buf := s.engine.Feed.Buffer()
	events := buf.Snapshot(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":   events,
		"total":    len(events),
		"buffered": buf.Len(),
		"capacity": buf.Capacity(),
		"dropped":  buf.Dropped(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs := s.engine.Logs.GetEntries(queryInt(r, "limit", 100), r.URL.Query().Get("level"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"total": len(logs),
	})
}

// ---------------------------------------------------------------------------
// Live feed
// ---------------------------------------------------------------------------

func (s *Server) authorizeFeed(w http.ResponseWriter, r *http.Request) bool {
	if err := s.engine.Authorize(principal(r), core.OpFeedControl); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func (s *Server) handleFeedStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeFeed(w, r) {
		return
	}
	body := struct {
		Speed int `json:"speed"`
	}{Speed: 1}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.StartLiveFeed(body.Speed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Feed.Stats())
}

func (s *Server) handleFeedStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeFeed(w, r) {
		return
	}
	s.engine.StopLiveFeed()
	writeJSON(w, http.StatusOK, s.engine.Feed.Stats())
}

func (s *Server) handleFeedTick(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeFeed(w, r) {
		return
	}
	writeJSON(w, http.StatusCreated, s.engine.GenerateLiveEvent())
}

func (s *Server) handleFeedMute(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeFeed(w, r) {
		return
	}
	body := struct {
		Muted bool `json:"muted"`
	}{Muted: true}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.engine.SetLiveFeedMuted(body.Muted)
	writeJSON(w, http.StatusOK, s.engine.Feed.Stats())
}

func (s *Server) handleFeedRestart(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeFeed(w, r) {
		return
	}
	body := struct {
		Seed *int64 `json:"seed"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	seed := s.engine.Feed.Stats().Seed
	if body.Seed != nil {
		seed = *body.Seed
	}
	s.engine.RestartLiveFeed(seed)
	writeJSON(w, http.StatusOK, s.engine.Feed.Stats())
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

type deviceView struct {
	core.Device
	State core.DeviceResponseState `json:"state"`
}

func (s *Server) deviceView(d core.Device) deviceView {
	state, ok := s.engine.Devices.State(d.ID)
	if !ok {
		state = core.DeviceResponseState{
			DeviceID:         d.ID,
			QuarantinedFiles: []core.QuarantinedFile{},
			BlockedIPs:       []string{},
			BlockedDomains:   []string{},
		}
	}
	return deviceView{Device: d, State: state}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.engine.Dataset.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.deviceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": views,
		"total":   len(views),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.engine.Dataset.Device(id)
	if !ok {
		writeError(w, fmt.Errorf("device %q: %w", id, core.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(d))
}

func (s *Server) handleDeviceActionLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.engine.Dataset.Device(id); !ok {
		writeError(w, fmt.Errorf("device %q: %w", id, core.ErrNotFound))
		return
	}
	entries := s.engine.Devices.ActionLog(id, queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Action core.DeviceAction `json:"action"`
		Params map[string]string `json:"params"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := s.engine.PerformDeviceAction(r.Context(), principal(r), id, body.Action, body.Params)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{
			"error":   err.Error(),
			"message": res.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// Playbooks
// ---------------------------------------------------------------------------

func (s *Server) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks := s.engine.Dataset.Playbooks()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"playbooks": playbooks,
		"total":     len(playbooks),
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CaseID string `json:"case_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	run, err := s.engine.StartPlaybook(r.Context(), principal(r), mux.Vars(r)["id"], body.CaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	o := s.engine.Orchestrator
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":    o.ActiveRuns(),
		"completed": o.CompletedRuns(queryInt(r, "limit", 50)),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, ok := s.engine.Orchestrator.Run(id)
	if !ok {
		writeError(w, fmt.Errorf("run %q: %w", id, core.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDecide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		runID, stepID := vars["id"], vars["step"]

		var err error
		if approve {
			err = s.engine.ApproveStep(r.Context(), principal(r), runID, stepID)
		} else {
			err = s.engine.RejectStep(r.Context(), principal(r), runID, stepID)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		decision := core.DecisionRejected
		if approve {
			decision = core.DecisionApproved
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"run_id":   runID,
			"step_id":  stepID,
			"decision": decision,
		})
	}
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	gate := s.engine.Orchestrator.Gate()
	pending := gate.GetPending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"history": gate.GetHistory(queryInt(r, "limit", 50)),
		"total":   len(pending),
	})
}

func (s *Server) handleCaseNotes(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.engine.Dataset.Case(id); !ok {
		writeError(w, fmt.Errorf("case %q: %w", id, core.ErrNotFound))
		return
	}
	notes := s.engine.Orchestrator.CaseNotes(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notes": notes,
		"total": len(notes),
	})
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	n := s.engine.Webhooks
	if n == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled":      false,
			"dead_letters": []core.DeadLetter{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":      true,
		"stats":        n.Stats(),
		"dead_letters": n.DeadLetters(queryInt(r, "limit", 50)),
	})
}

func (s *Server) handleWebhookRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Authorize(principal(r), core.OpWebhookRetry); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if s.engine.Webhooks == nil {
		writeError(w, fmt.Errorf("dead letter %q: %w", id, core.ErrNotFound))
		return
	}
	if err := s.engine.Webhooks.RetryDeadLetter(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": core.DeliveryPending})
}
