package proxy

import (
	"bufio"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mithril-labs/mithril-proxy/config"
)

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	dest := s.destination(w, r)
	if dest == nil {
		return
	}
	switch dest.Kind {
	case config.KindSSE:
		s.relaySSE(w, r, dest)
	case config.KindStdio:
		if dest.LegacySSE {
			s.stdioLegacySSE(w, r, dest)
		} else {
			s.writeLegacyGone(w, r, dest, time.Now())
		}
	default:
		message := "Destination '" + dest.Name + "' does not support the SSE transport"
		writeJSONError(w, http.StatusNotFound, message)
		s.audit(r, dest.Name, "", http.StatusNotFound, time.Now(), auditExtra{errText: message})
	}
}

// relaySSE opens the upstream event stream and relays it, rewriting the first
// endpoint frame so the client POSTs back through the proxy.
func (s *Server) relaySSE(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, dest.URL, nil)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		s.audit(r, dest.Name, "", http.StatusBadGateway, started, auditExtra{errText: err.Error()})
		return
	}
	req.Header = forwardableHeaders(r.Header)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.client.Do(req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "Upstream unreachable: "+err.Error())
		s.audit(r, dest.Name, "", http.StatusBadGateway, started, auditExtra{errText: err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		relayHeaders(w, resp.Header)
		w.WriteHeader(resp.StatusCode)
		s.audit(r, dest.Name, "", resp.StatusCode, started, auditExtra{errText: "upstream refused stream"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	writer := NewFlushWriter(w)
	reader := bufio.NewReader(resp.Body)

	endpointSeen := false
	for {
		event, err := readEvent(reader)
		if err != nil {
			s.audit(r, dest.Name, "", http.StatusOK, started, auditExtra{})
			return
		}
		if !endpointSeen && event.Event == "endpoint" {
			endpointSeen = true
			rewritten, err := s.rewriteEndpoint(r, dest, event.Data)
			if err != nil {
				s.log.Warnf("endpoint rewrite failed for %s: %v", dest.Name, err)
			} else {
				event.Data = rewritten
			}
		} else if event.Data != "" {
			outcome := s.scan(r.Context(), dest, event.Data, true)
			if outcome.Action == config.ModeBlock {
				event.Data = `{"error":"` + blockedResponseMessage + `"}`
			} else {
				event.Data = outcome.Body
			}
		}
		if _, err := writer.Write([]byte(formatEvent(event))); err != nil {
			s.audit(r, dest.Name, "", http.StatusOK, started, auditExtra{errText: err.Error()})
			return
		}
	}
}

// rewriteEndpoint registers the upstream message URL under the session id and
// returns the proxy-relative endpoint to advertise.
func (s *Server) rewriteEndpoint(r *http.Request, dest *config.Destination, data string) (string, error) {
	base, err := url.Parse(dest.URL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", err
	}
	upstream := base.ResolveReference(ref)

	sessionID := upstream.Query().Get("session_id")
	if sessionID == "" {
		sessionID = upstream.Query().Get("sessionId")
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if err := s.sessions.Put(r.Context(), sessionID, upstream.String()); err != nil {
		return "", err
	}
	return "/" + dest.Name + "/message?session_id=" + sessionID, nil
}
