package console

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"docvm/pkg/bridge"
	"docvm/pkg/engine"
	"docvm/pkg/fastjson"
	"docvm/pkg/utils/coerce"
)

const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

type runRequest struct {
	Script  string
	Vars    map[string]any
	Extract []string
}

type runResponse struct {
	Success bool                    `json:"success"`
	Vars    map[string]bridge.Value `json:"vars"`
	Output  string                  `json:"output"`
	Stats   runStats                `json:"stats"`
}

type runStats struct {
	DurationMS float64 `json:"duration_ms"`
	Handles    int     `json:"handles"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Path    string `json:"path,omitempty"`
	Log     string `json:"log,omitempty"`
	Output  string `json:"output,omitempty"`
}

// decodeRun reads the request body. Numbers keep their integer or float
// nature so that bound vars arrive in the engine with the right scalar type.
func decodeRun(w http.ResponseWriter, r *http.Request) (runRequest, error) {
	var req runRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return req, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	var raw any
	if err := fastjson.UnmarshalNumber(body, &raw); err != nil {
		return req, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return req, fmt.Errorf("%w: body must be a JSON object", errBadRequest)
	}

	req.Script = coerce.ToString(m["script"])
	if req.Script == "" {
		return req, fmt.Errorf("%w: script is required", errBadRequest)
	}
	if req.Vars, err = coerce.ToMap(m["vars"]); err != nil {
		return req, fmt.Errorf("%w: vars: %v", errBadRequest, err)
	}
	if req.Extract, err = coerce.ToStringSlice(m["extract"]); err != nil {
		return req, fmt.Errorf("%w: extract: %v", errBadRequest, err)
	}
	return req, nil
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRun(w, r)
	if err != nil {
		s.fail(w, err, "")
		return
	}

	sc, err := bridge.Compile(s.db, req.Script, bridge.WithConfig(s.cfg), bridge.WithLogger(s.log))
	if err != nil {
		s.fail(w, err, "")
		return
	}
	defer sc.Close()

	names := make([]string, 0, len(req.Vars))
	for name := range req.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := sc.Bind(name, req.Vars[name]); err != nil {
			if errors.Is(err, bridge.ErrLifecycle) {
				err = fmt.Errorf("%w: %w", errBadRequest, err)
			}
			s.fail(w, err, "")
			return
		}
	}

	if err := sc.Execute(r.Context()); err != nil {
		s.fail(w, err, sc.Output())
		return
	}

	resp := runResponse{
		Success: true,
		Vars:    make(map[string]bridge.Value, len(req.Extract)),
		Output:  sc.Output(),
	}
	for _, name := range req.Extract {
		v, err := sc.Value(name)
		if err != nil {
			s.fail(w, err, resp.Output)
			return
		}
		resp.Vars[name] = v
	}

	st := sc.Stats()
	resp.Stats = runStats{
		DurationMS: float64(st.Duration.Microseconds()) / 1000,
		Handles:    st.Handles.Acquired,
	}
	s.log.Debug("console: script run", "subject", Subject(r.Context()), "extracted", len(resp.Vars), "duration", st.Duration)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, err error, output string) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error(), Kind: kindOf(err), Output: output}
	var be *bridge.Error
	if errors.As(err, &be) {
		resp.Path = be.Path
		resp.Log = be.Log
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("console: run failed", "error", err)
	} else {
		s.log.Warn("console: run rejected", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

// statusOf maps error kinds onto HTTP status codes. Compile errors are the
// client's fault; runtime engine errors are not.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrTypeCast), errors.Is(err, bridge.ErrRange):
		return http.StatusUnprocessableEntity
	}
	var be *bridge.Error
	if errors.As(err, &be) && be.Code == engine.CodeCompileErr {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, bridge.ErrNotFound):
		return "not_found"
	case errors.Is(err, bridge.ErrTypeCast):
		return "type_cast"
	case errors.Is(err, bridge.ErrRange):
		return "range"
	case errors.Is(err, bridge.ErrLifecycle):
		return "lifecycle"
	case errors.Is(err, bridge.ErrEngine):
		return "engine"
	}
	return "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = fastjson.NewEncoder(w).Encode(v)
}
