package gateway

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/relay"
	"github.com/Roenbaeck/tubeist-sub000/upload"
)

// Fragment request headers
const (
	headerKind      = "X-Fragment-Kind"
	headerDuration  = "X-Fragment-Duration"
	headerTimestamp = "X-Fragment-Timestamp"
	headerOrigin    = "X-Fragment-Origin"
)

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err)
	} else {
		s.logger.Debug("Request rejected",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err)
	}
	writeError(w, status, message)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.relay.Health()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleBeginSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.relay.BeginSession(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.ResetSession(); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddFragment(w http.ResponseWriter, r *http.Request) {
	kind, err := fragment.ParseKind(r.Header.Get(headerKind))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+headerKind)
		return
	}

	duration := 0.0
	if raw := r.Header.Get(headerDuration); raw != "" {
		duration, err = strconv.ParseFloat(raw, 64)
		if err != nil || duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
			writeError(w, http.StatusBadRequest, "invalid "+headerDuration)
			return
		}
	}

	defer r.Body.Close()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxFragmentSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "fragment exceeds maximum size of "+strconv.FormatInt(s.maxFragmentSize, 10)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	raw := r.Header.Get(headerTimestamp)
	if raw == "" {
		seq, err := s.relay.AddFragment(kind, duration, payload)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{"sequence": seq})
		return
	}

	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		writeError(w, http.StatusBadRequest, "invalid "+headerTimestamp)
		return
	}
	origin := false
	if v := r.Header.Get(headerOrigin); v != "" {
		origin, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+headerOrigin)
			return
		}
	}

	seq, held, err := s.relay.AddTimedFragment(relay.TimedFragment{
		Kind:      kind,
		Duration:  duration,
		Payload:   payload,
		Timestamp: time.Duration(seconds * float64(time.Second)),
		Origin:    origin,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if held {
		writeJSON(w, http.StatusAccepted, map[string]bool{"held": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"sequence": seq})
}

func (s *Server) handleThroughput(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"mbps": s.relay.CurrentThroughputMbps()})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Endpoint())
}

func (s *Server) handleSetEndpoint(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var ep upload.Endpoint
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint document")
		return
	}
	if err := s.relay.SetEndpoint(ep); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Stats())
}
