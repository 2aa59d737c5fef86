package server

import (
	"net/http"
)

// handleSubscriber shows a subscriber's stored seen-set, most recent first.
func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	// Rate limiting by IP to prevent id enumeration
	ip := clientIP(r, s.trustProxy)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.renderError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	id, ok := parseSubscriberID(r.PathValue("id"))
	if !ok {
		s.renderError(w, http.StatusBadRequest, "Invalid subscriber id")
		return
	}

	sub, err := s.loader.Load(r.Context(), id)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			s.renderError(w, http.StatusNotFound, "Subscriber not found")
			return
		}
		s.logger.Error("Failed to load subscriber", "subscriber_id", id, "error", err)
		s.renderError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	seen := []string(sub.Seen)
	if seen == nil {
		seen = []string{}
	}
	s.renderJSON(w, http.StatusOK, map[string]any{
		"subscriber_id": sub.ID,
		"seen_urls":     seen,
	})
}
