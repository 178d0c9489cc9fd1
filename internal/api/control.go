package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/summitlabs/legion/internal/control"
	"github.com/summitlabs/legion/internal/device"
	"github.com/summitlabs/legion/internal/tools"
)

// resultStatus maps a tool Result to an HTTP status. A failed result
// with no topic was rejected before publishing; one with a topic
// reached the broker and failed there.
func resultStatus(res tools.Result) int {
	switch {
	case res.OK():
		return http.StatusOK
	case res.Topic == "":
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleFeeder(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if !device.ValidFeederAction(action) {
		s.errorResponse(w, http.StatusNotFound, "unknown feeder action "+strconv.Quote(action))
		return
	}
	res, err := s.panel.Feeder(r.Context(), action)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleTimedFeed(w http.ResponseWriter, r *http.Request) {
	seconds := control.DefaultFeedSeconds
	if v := r.URL.Query().Get("seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "seconds must be a whole number")
			return
		}
		seconds = n
	}

	report, err := s.panel.TimedFeed(r.Context(), seconds)
	switch {
	case errors.Is(err, device.ErrInvalidArgument):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !report.OK {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleHelmetPresets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"presets": control.Presets})
}

func (s *Server) handleHelmet(w http.ResponseWriter, r *http.Request) {
	res, err := s.panel.Helmet(r.Context(), r.PathValue("preset"))
	switch {
	case errors.Is(err, control.ErrUnknownPreset):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleProtocol(w http.ResponseWriter, r *http.Request) {
	res, err := s.panel.Protocol(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.panel.Telemetry(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"vehicles": vehicles})
}
