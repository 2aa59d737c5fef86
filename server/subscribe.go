package server

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	msgActivated     = "Notifications have been activated"
	msgAlreadyActive = "Notifications have already been activated"
)

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.trustProxy)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.renderError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid form data")
		return
	}

	id, ok := parseSubscriberID(r.FormValue("subscriber_id"))
	if !ok {
		s.renderError(w, http.StatusBadRequest, "Invalid subscriber_id")
		return
	}

	created, err := s.scheduler.Subscribe(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to subscribe", "subscriber_id", id, "error", err)
		s.renderError(w, http.StatusInternalServerError, "Failed to activate notifications")
		return
	}

	if !created {
		s.renderJSON(w, http.StatusOK, map[string]any{"subscriber_id": id, "created": false, "message": msgAlreadyActive})
		return
	}

	s.logger.Info("Subscription created", "subscriber_id", id, "ip", ip)
	s.renderJSON(w, http.StatusCreated, map[string]any{"subscriber_id": id, "created": true, "message": msgActivated})
}

func parseSubscriberID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
