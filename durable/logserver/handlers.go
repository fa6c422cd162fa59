package logserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/checkpoint"
	"github.com/dshills/durable-go/durable/oplog"
	"github.com/dshills/durable-go/durable/store"
)

// errBadRequest marks request decoding failures, reported as 400.
var errBadRequest = errors.New("bad request")

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// route registers h under pattern, recording request metrics when a
// registry was configured.
func (s *Server) route(mux *http.ServeMux, pattern string, h handlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		code := http.StatusOK
		if err := h(w, r); err != nil {
			code = http.StatusInternalServerError
			if errors.Is(err, errBadRequest) {
				code = http.StatusBadRequest
			}
			writeJSON(w, code, errorBody(err.Error()))
		}
		if s.requests != nil {
			s.requests.WithLabelValues(pattern, strconv.Itoa(code)).Inc()
			s.latency.WithLabelValues(pattern).Observe(time.Since(began).Seconds())
		}
	})
}

func errorBody(msg string) checkpoint.ErrorResponse {
	return checkpoint.ErrorResponse{Message: msg}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) error {
	var req oplog.StartExecutionRequest
	if err := s.decode(w, r, &req); err != nil {
		return err
	}
	inv, err := s.log.StartExecution(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, inv)
	return nil
}

func (s *Server) startInvocation(w http.ResponseWriter, r *http.Request) error {
	inv, err := s.log.StartInvocation(r.Context(), r.PathValue("arn"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, inv)
	return nil
}

func (s *Server) completeInvocation(w http.ResponseWriter, r *http.Request) error {
	var req oplog.CompleteInvocationRequest
	if err := s.decode(w, r, &req); err != nil {
		return err
	}
	req.DurableExecutionArn = r.PathValue("arn")
	exec, err := s.log.CompleteInvocation(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, checkpoint.SummaryOf(exec))
	return nil
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) error {
	status := store.ExecutionStatus(r.URL.Query().Get("status"))
	execs, err := s.log.ListExecutions(r.Context(), status)
	if err != nil {
		return err
	}
	out := checkpoint.ListResponse{Executions: make([]checkpoint.ExecutionSummary, 0, len(execs))}
	for _, e := range execs {
		out.Executions = append(out.Executions, checkpoint.SummaryOf(e))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.pollTimeout)
	defer cancel()

	ops, err := s.log.Poll(ctx, r.PathValue("arn"))
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		ops, err = nil, nil
	}
	if err != nil {
		return err
	}
	if ops == nil {
		ops = []durable.Operation{}
	}
	writeJSON(w, http.StatusOK, checkpoint.PollResponse{Operations: ops})
	return nil
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	arn := r.PathValue("arn")
	exec, err := s.log.Execution(ctx, arn)
	if err != nil {
		return err
	}
	invs, err := s.log.Invocations(ctx, arn)
	if err != nil {
		return err
	}
	ops, err := s.log.Operations(ctx, arn)
	if err != nil {
		return err
	}

	h := checkpoint.History{
		Execution:   checkpoint.SummaryOf(exec),
		Invocations: make([]checkpoint.InvocationSummary, 0, len(invs)),
		Operations:  ops,
	}
	for _, inv := range invs {
		h.Invocations = append(h.Invocations, checkpoint.InvocationOf(inv))
	}
	writeJSON(w, http.StatusOK, h)
	return nil
}

func (s *Server) updateOperation(w http.ResponseWriter, r *http.Request) error {
	var u oplog.OperationUpdate
	if err := s.decode(w, r, &u); err != nil {
		return err
	}
	op, err := s.log.UpdateOperation(r.Context(), r.PathValue("arn"), r.PathValue("opId"), u)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, checkpoint.UpdateOperationResponse{Operation: op})
	return nil
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	req := durable.StateRequest{
		DurableExecutionArn: r.PathValue("arn"),
		CheckpointToken:     q.Get("CheckpointToken"),
		Marker:              q.Get("Marker"),
	}
	if v := q.Get("MaxItems"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: invalid MaxItems %q", errBadRequest, v)
		}
		req.MaxItems = n
	}
	resp, err := s.log.GetExecutionState(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) error {
	var req durable.CheckpointRequest
	if err := s.decode(w, r, &req); err != nil {
		return err
	}
	req.DurableExecutionArn = r.PathValue("arn")
	resp, err := s.log.Checkpoint(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) succeedCallback(w http.ResponseWriter, r *http.Request) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	var result *string
	if len(data) > 0 {
		v := string(data)
		result = &v
	}
	if err := s.log.SucceedCallback(r.Context(), r.PathValue("id"), result); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}

func (s *Server) failCallback(w http.ResponseWriter, r *http.Request) error {
	var e durable.ErrorObject
	if err := s.decode(w, r, &e); err != nil {
		return err
	}
	if err := s.log.FailCallback(r.Context(), r.PathValue("id"), &e); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}

func (s *Server) heartbeatCallback(w http.ResponseWriter, r *http.Request) error {
	if err := s.log.HeartbeatCallback(r.Context(), r.PathValue("id")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}
