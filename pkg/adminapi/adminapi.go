// Package adminapi is an HTTP admin and data surface over a pkg/driver.Driver,
// grounded on the teacher's pkg/api/http.go: a plain net/http.ServeMux with
// JSON request/response bodies, generalized from the teacher's single-lane
// "/kv/" + "/status" pair to a per-lane "/lanes/{id}/..." surface plus
// membership and leadership-transfer admin endpoints the teacher's HTTP
// layer never had (spec §4.7, §4.5).
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lanraft/lanraft/pkg/driver"
	"github.com/lanraft/lanraft/pkg/kv"
	"github.com/lanraft/lanraft/pkg/raft"
)

// Handler serves the admin and KV surface for every lane hosted by one
// Driver. The kv.Store registry decides which lanes serve /lanes/{id}/kv/;
// those routes encode and decode payloads with pkg/kv's package-level
// helpers.
type Handler struct {
	d       *driver.Driver
	stores  map[raft.LaneID]*kv.Store
	mux     *http.ServeMux
	timeout time.Duration
}

// New builds a Handler for d. stores maps each hosted lane to the kv.Store
// backing it, used only by the /lanes/{id}/kv/ routes.
func New(d *driver.Driver, stores map[raft.LaneID]*kv.Store) *Handler {
	h := &Handler{d: d, stores: stores, mux: http.NewServeMux(), timeout: 5 * time.Second}
	h.mux.HandleFunc("/lanes", h.handleLanes)
	h.mux.HandleFunc("/lanes/", h.handleLane)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

// handleLanes lists every lane id hosted locally.
func (h *Handler) handleLanes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"lanes": h.d.Lanes()})
}

// handleLane dispatches "/lanes/{id}/{action}" to the right sub-handler.
// action is one of: status, kv/{key}, add-server, remove-server,
// transfer-leadership.
func (h *Handler) handleLane(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/lanes/")
	parts := strings.SplitN(rest, "/", 2)
	laneID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		http.Error(w, "invalid lane id", http.StatusBadRequest)
		return
	}
	lane := raft.LaneID(laneID)
	proc, ok := h.d.Lane(lane)
	if !ok {
		http.Error(w, "unknown lane", http.StatusNotFound)
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "status":
		h.handleStatus(w, proc)
	case strings.HasPrefix(action, "kv/"):
		h.handleKV(w, r, lane, proc, strings.TrimPrefix(action, "kv/"))
	case action == "add-server":
		h.handleMembership(w, r, proc, true)
	case action == "remove-server":
		h.handleMembership(w, r, proc, false)
	case action == "transfer-leadership":
		h.handleTransfer(w, r, proc)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, proc *raft.RaftProcess) {
	info := proc.ClusterInfo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leader_id":    info.LeaderID,
		"term":         info.Term,
		"membership":   info.Membership,
		"commit_index": info.CommitIdx,
		"lane":         proc.Lane(),
	})
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request, lane raft.LaneID, proc *raft.RaftProcess, key string) {
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	if _, ok := h.stores[lane]; !ok {
		http.Error(w, "lane has no kv store", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		resp, err := proc.Read(ctx, &raft.ReadRequest{Lane: lane, Message: kv.EncodeGet(key)})
		if h.respondIfRedirect(w, err) {
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		decoded, err := kv.DecodeResponse(resp.Message)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !decoded.Found {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": string(decoded.Value)})

	case http.MethodPut, http.MethodPost:
		var body struct {
			Value     string `json:"value"`
			ClientID  string `json:"client_id"`
			RequestID uint64 `json:"request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		cmd := kv.EncodeSet(key, []byte(body.Value), body.ClientID, body.RequestID)
		resp, err := proc.Write(ctx, &raft.WriteRequest{Lane: lane, Message: cmd})
		if h.respondIfRedirect(w, err) {
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = resp
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		cmd := kv.EncodeDelete(key, r.URL.Query().Get("client_id"), 0)
		_, err := proc.Write(ctx, &raft.WriteRequest{Lane: lane, Message: cmd})
		if h.respondIfRedirect(w, err) {
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleMembership(w http.ResponseWriter, r *http.Request, proc *raft.RaftProcess, add bool) {
	var body struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var err error
	if add {
		err = proc.AddServer(ctx, raft.NodeID(body.NodeID))
	} else {
		err = proc.RemoveServer(ctx, raft.NodeID(body.NodeID))
	}
	if h.respondIfRedirect(w, err) {
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, proc *raft.RaftProcess) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := proc.TimeoutNow(ctx, proc.Term()+1); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondIfRedirect(w http.ResponseWriter, err error) bool {
	var redirect *raft.RedirectError
	if err == nil || !isRedirect(err, &redirect) {
		return false
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error":      "not leader",
		"leader_id":  redirect.LeaderHint,
	})
	return true
}

func isRedirect(err error, target **raft.RedirectError) bool {
	re, ok := err.(*raft.RedirectError)
	if ok {
		*target = re
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
