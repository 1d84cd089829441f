package proxy

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/jsonrpc"
)

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	dest := s.destination(w, r)
	if dest == nil {
		return
	}
	switch dest.Kind {
	case config.KindSSE:
		s.relayMessage(w, r, dest)
	case config.KindStdio:
		if dest.LegacySSE {
			s.stdioLegacyMessage(w, r, dest)
		} else {
			s.writeLegacyGone(w, r, dest, time.Now())
		}
	default:
		message := "Destination '" + dest.Name + "' does not support the SSE transport"
		writeJSONError(w, http.StatusNotFound, message)
		s.audit(r, dest.Name, "", http.StatusNotFound, time.Now(), auditExtra{errText: message})
	}
}

// relayMessage forwards a legacy message POST to the upstream endpoint the
// session was bound to. Non-JSON bodies are forwarded unchanged.
func (s *Server) relayMessage(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing session_id")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: "missing session_id"})
		return
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid session_id format")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: "invalid session_id"})
		return
	}
	upstream, ok, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		s.audit(r, dest.Name, "", http.StatusInternalServerError, started, auditExtra{errText: err.Error()})
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Session not found: "+sessionID)
		s.audit(r, dest.Name, "", http.StatusNotFound, started, auditExtra{errText: "unknown session"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: err.Error()})
		return
	}
	// best-effort method extraction; non-JSON bodies still forward
	method := jsonrpc.PeekMethod(body)

	result := s.scan(r.Context(), dest, string(body), false)
	if result.Action == config.ModeBlock {
		writeJSONError(w, http.StatusForbidden, blockedRequestMessage)
		s.audit(r, dest.Name, method, http.StatusForbidden, started, auditExtra{
			detection:   detectionRecord(result),
			requestBody: string(body),
			headers:     r.Header,
		})
		return
	}

	resp, err := s.forward(r.Context(), http.MethodPost, upstream, forwardableHeaders(r.Header), []byte(result.Body))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "Upstream unreachable: "+err.Error())
		s.audit(r, dest.Name, method, http.StatusBadGateway, started, auditExtra{
			errText:     err.Error(),
			detection:   detectionRecord(result),
			requestBody: result.Body,
			headers:     r.Header,
		})
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "Upstream read failed: "+err.Error())
		s.audit(r, dest.Name, method, http.StatusBadGateway, started, auditExtra{errText: err.Error()})
		return
	}
	relayHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	s.audit(r, dest.Name, method, resp.StatusCode, started, auditExtra{
		detection:    detectionRecord(result),
		requestBody:  result.Body,
		responseBody: string(respBody),
		headers:      r.Header,
	})
}
