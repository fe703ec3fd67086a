package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/haasonsaas/mcpbridge/internal/admission"
	"github.com/haasonsaas/mcpbridge/internal/agent"
	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/sessions"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: agent.Classify(err)})
}

// decodeJSON reads a bounded JSON body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps a dispatch or run failure to an HTTP status.
func statusFor(err error) int {
	switch agent.Classify(err) {
	case agent.KindPolicy, agent.KindInvalid:
		return http.StatusBadRequest
	case agent.KindTimeout:
		return http.StatusGatewayTimeout
	case agent.KindTransport, agent.KindRemote:
		return http.StatusBadGateway
	case agent.KindCanceled:
		// Client closed request.
		return 499
	}
	return http.StatusInternalServerError
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.cfg.Dispatcher.Tools()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":      tools,
		"guardrails": s.cfg.Store.Snapshot(),
	})
}

type callRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// handleCall runs one tool call outside any run, so run budgets start empty.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: agent.KindInvalid})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "name is required", Kind: agent.KindInvalid})
		return
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	out, err := s.cfg.Dispatcher.Dispatch(r.Context(), agent.Invocation{Tool: req.Name, Args: req.Args}, guardrails.Usage{})
	if err != nil {
		s.logger.Info("direct tool call failed", "tool", req.Name, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out.Result)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Store.Snapshot())
}

// handleMergePolicy applies a partial update; absent fields keep their value.
func (s *Server) handleMergePolicy(w http.ResponseWriter, r *http.Request) {
	var patch guardrails.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	next, err := s.cfg.Store.Merge(patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleReplacePolicy(w http.ResponseWriter, r *http.Request) {
	var p guardrails.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	next, err := s.cfg.Store.Replace(p)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handlePolicySchema(w http.ResponseWriter, _ *http.Request) {
	schema, err := guardrails.JSONSchema()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(schema) //nolint:errcheck
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := sessions.ListOptions{Outcome: q.Get("outcome")}
	for key, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: key + " must be a non-negative integer"})
				return
			}
			*dst = n
		}
	}

	records, err := s.cfg.Recorder.List(r.Context(), opts)
	if err != nil {
		s.logger.Warn("failed to list sessions", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to list sessions"})
		return
	}
	if records == nil {
		records = []*sessions.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) handleAdmission(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"origins": []admission.OriginStats{}}
	if s.cfg.Admission != nil {
		resp["origins"] = s.cfg.Admission.Stats()
	}
	if s.cfg.Engine != nil {
		resp["rateWindow"] = s.cfg.Engine.RateStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}
