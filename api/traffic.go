package api

import (
	"net/http"
	"strconv"
	"time"

	"appfw/waf"

	"github.com/gorilla/websocket"
)

func (s *Server) handleQueryTraffic(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	query := waf.TrafficQuery{
		IPAddress: r.URL.Query().Get("ip"),
	}

	if raw := r.URL.Query().Get("decision"); raw != "" {
		decision, err := waf.ParseDecision(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Decision = decision
	}

	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "24h"
	}
	query.From, query.To, err = waf.ParseTimeRange(rangeName, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if query.Limit < 1 {
		query.Limit = 50
	}
	if query.Limit > 1000 {
		query.Limit = 1000
	}
	query.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.log.Query(config.ID, query)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  entries,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

func (s *Server) handleTrafficSummary(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config.Stats)
}

func (s *Server) handleTrafficHourly(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours < 1 {
		hours = 24
	}
	if hours > 24*30 {
		hours = 24 * 30
	}

	buckets, err := s.log.HourlyAggregate(config.ID, hours, time.Now().UTC())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

func (s *Server) handleTrafficRecent(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n < 1 {
		n = 50
	}
	if n > 500 {
		n = 500
	}

	entries, err := s.log.Recent(config.ID, n)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

// handleTrafficLive streams decisions over a websocket as they are
// appended. Slow clients drop entries rather than stalling appends.
func (s *Server) handleTrafficLive(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := s.log.Subscribe(config.ID)
	defer s.log.Unsubscribe(config.ID, ch)

	// Read loop detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case entry, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
