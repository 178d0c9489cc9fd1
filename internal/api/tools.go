package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/summitlabs/legion/internal/tools"
)

// maxToolArgsBytes bounds a POST /v1/tools/{name} body.
const maxToolArgsBytes = 64 << 10

// ToolInfo describes one registry entry.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make([]ToolInfo, 0, len(all))
	for _, t := range all {
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// handleToolCall runs a tool with the raw JSON request body as its
// arguments. The response body is the tool Result.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxToolArgsBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	out, err := s.registry.Execute(r.Context(), name, string(body))
	var unavailable *tools.ErrToolUnavailable
	switch {
	case errors.As(err, &unavailable):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := tools.ParseResult(out)
	status := http.StatusOK
	if err == nil {
		status = resultStatus(res)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, out+"\n")
}
