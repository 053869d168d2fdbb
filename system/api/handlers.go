package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cyfrworks/cyfr/system/errkind"
)

// rpcRequest is the envelope for the single `execution` tool's POST body:
// {"action": "run"|"list"|"logs"|"cancel", "params": {...}}.
type rpcRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// userIDHeader carries the caller's identity, grounded on the teacher's
// X-Account-ID convention in system/api/http_handler.go. Authentication
// itself (how that identity was established) is out of scope per
// SPEC_FULL.md §1.
const userIDHeader = "X-User-ID"

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, errkind.KindInvalidRequest, "could not read request body")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errkind.KindInvalidJSON, "request body is not valid JSON")
		return
	}

	userID := r.Header.Get(userIDHeader)
	ctx := r.Context()

	switch req.Action {
	case "run":
		var p RunParams
		if err := decodeParams(req.Params, &p); err != nil {
			writeError(w, http.StatusBadRequest, errkind.KindInvalidRequest, err.Error())
			return
		}
		out, err := s.run(ctx, userID, p)
		writeActionResult(w, out, err)
	case "list":
		var p ListParams
		if err := decodeParams(req.Params, &p); err != nil {
			writeError(w, http.StatusBadRequest, errkind.KindInvalidRequest, err.Error())
			return
		}
		out, err := s.list(ctx, userID, p)
		writeActionResult(w, out, err)
	case "logs":
		var p LogsParams
		if err := decodeParams(req.Params, &p); err != nil {
			writeError(w, http.StatusBadRequest, errkind.KindInvalidRequest, err.Error())
			return
		}
		out, err := s.logs(ctx, userID, p)
		writeActionResult(w, out, err)
	case "cancel":
		var p CancelParams
		if err := decodeParams(req.Params, &p); err != nil {
			writeError(w, http.StatusBadRequest, errkind.KindInvalidRequest, err.Error())
			return
		}
		out, err := s.cancel(ctx, userID, p)
		writeActionResult(w, out, err)
	default:
		writeError(w, http.StatusBadRequest, errkind.KindInvalidRequest, "unknown action "+req.Action)
	}
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// writeActionResult encodes a successful action result, or the §7 error
// envelope at the status code its classified kind implies.
func writeActionResult(w http.ResponseWriter, result any, err error) {
	if err != nil {
		kind, msg := classify(err)
		writeError(w, statusForKind(kind), kind, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func statusForKind(kind errkind.Kind) int {
	switch kind {
	case errkind.Kind("not_found"):
		return http.StatusNotFound
	case errkind.Kind("not_cancellable"), errkind.KindPolicyNotConfigured, errkind.KindRateLimited,
		errkind.KindInvalidReference, errkind.KindInvalidRequest, errkind.KindInvalidJSON, errkind.KindBadRequest,
		errkind.KindComponentNotFound, errkind.KindRequestTooLarge:
		return http.StatusBadRequest
	default:
		// An error reaching here has no execution record behind it (a run
		// past the journal write returns a RunResult, not an error).
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind errkind.Kind, message string) {
	writeJSON(w, status, errkind.Encode(kind, errorString(message)))
}

type errorString string

func (e errorString) Error() string { return string(e) }

// handleResource serves opus://executions/{id} as the full record JSON.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.Header.Get(userIDHeader)

	rec, err := s.getOwned(r.Context(), id, userID)
	if err != nil {
		kind, msg := classify(err)
		writeError(w, statusForKind(kind), kind, msg)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResourceLogs serves opus://executions/{id}/logs as human-readable
// text.
func (s *Server) handleResourceLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.Header.Get(userIDHeader)

	rec, err := s.getOwned(r.Context(), id, userID)
	if err != nil {
		kind, msg := classify(err)
		writeError(w, statusForKind(kind), kind, msg)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(renderLog(rec)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
