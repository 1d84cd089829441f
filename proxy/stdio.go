package proxy

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/mithril-labs/mithril-proxy/bridge"
	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/jsonrpc"
)

// SessionHeader carries the streamable session id.
const SessionHeader = "Mcp-Session-Id"

const subprocessUnavailableFrame = `{"error":"subprocess unavailable"}`

// writeBridgeError maps a bridge failure onto the HTTP response.
func writeBridgeError(w http.ResponseWriter, err error) int {
	var bridgeErr *bridge.Error
	if errors.As(err, &bridgeErr) {
		writeJSONError(w, bridgeErr.Status, bridgeErr.Message)
		return bridgeErr.Status
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
	return http.StatusInternalServerError
}

// stdioPost forwards one streamable POST to the destination's subprocess.
func (s *Server) stdioPost(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: err.Error()})
		return
	}
	if jsonrpc.IsBatch(body) {
		writeJSONError(w, http.StatusBadRequest, "Batch JSON-RPC is not supported")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: "batch json-rpc"})
		return
	}
	if !json.Valid(body) {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON payload")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: "invalid json"})
		return
	}
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
	forwarded := []byte(result.Body)

	post, err := s.bridges.Post(r.Context(), dest, r.Header.Get(SessionHeader), forwarded)
	if err != nil {
		status := writeBridgeError(w, err)
		s.audit(r, dest.Name, method, status, started, auditExtra{
			errText:     err.Error(),
			detection:   detectionRecord(result),
			requestBody: string(forwarded),
			headers:     r.Header,
		})
		return
	}
	respBody := post.Body
	detection := detectionRecord(result)
	if len(respBody) > 0 {
		outcome := s.scan(r.Context(), dest, string(respBody), true)
		if outcome.Action == config.ModeBlock {
			writeJSONError(w, http.StatusForbidden, blockedResponseMessage)
			s.audit(r, dest.Name, method, http.StatusForbidden, started, auditExtra{
				rpcId:        post.RpcId,
				detection:    detectionRecord(outcome),
				requestBody:  string(forwarded),
				responseBody: string(respBody),
				headers:      r.Header,
			})
			return
		}
		respBody = []byte(outcome.Body)
		if detection == nil {
			detection = detectionRecord(outcome)
		}
	}

	if post.NewSessionID != "" {
		w.Header().Set(SessionHeader, post.NewSessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(post.Status)
	if len(respBody) > 0 {
		_, _ = w.Write(respBody)
	}
	s.audit(r, dest.Name, method, post.Status, started, auditExtra{
		rpcId:        post.RpcId,
		detection:    detection,
		requestBody:  string(forwarded),
		responseBody: string(respBody),
		headers:      r.Header,
	})
}

// stdioStream serves the streamable GET notification stream.
func (s *Server) stdioStream(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	sessionID := r.Header.Get(SessionHeader)
	streamID, items, err := s.bridges.Register(dest, sessionID)
	if err != nil {
		status := writeBridgeError(w, err)
		s.audit(r, dest.Name, "", status, started, auditExtra{errText: err.Error()})
		return
	}
	defer s.bridges.Unregister(dest, streamID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	writer := NewFlushWriter(w)

	status := http.StatusOK
	for {
		select {
		case <-r.Context().Done():
			s.audit(r, dest.Name, "", status, started, auditExtra{})
			return
		case item := <-items:
			if item == nil {
				// subprocess gone for good
				_, _ = writer.Write([]byte(formatEvent(&Event{Event: "error", Data: subprocessUnavailableFrame})))
				s.audit(r, dest.Name, "", http.StatusServiceUnavailable, started, auditExtra{
					errText: "subprocess unavailable",
				})
				return
			}
			result := s.scan(r.Context(), dest, string(item), true)
			if result.Action == config.ModeBlock {
				result.Body = `{"error":"` + blockedResponseMessage + `"}`
			}
			if _, err := writer.Write([]byte(formatEvent(&Event{Data: result.Body}))); err != nil {
				s.audit(r, dest.Name, "", status, started, auditExtra{errText: err.Error()})
				return
			}
		}
	}
}

// stdioDelete terminates one streamable session.
func (s *Server) stdioDelete(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	sessionID := r.Header.Get(SessionHeader)
	if err := s.bridges.Delete(dest, sessionID); err != nil {
		status := writeBridgeError(w, err)
		s.audit(r, dest.Name, "", status, started, auditExtra{errText: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.audit(r, dest.Name, "", http.StatusNoContent, started, auditExtra{})
}

// stdioLegacySSE serves the per-connection SSE variant for stdio destinations
// that opt into the legacy pair.
func (s *Server) stdioLegacySSE(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	if s.sseHub == nil {
		s.writeLegacyGone(w, r, dest, started)
		return
	}
	session, err := s.sseHub.Open(dest)
	if err != nil {
		status := writeBridgeError(w, err)
		s.audit(r, dest.Name, "", status, started, auditExtra{errText: err.Error()})
		return
	}
	defer session.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	writer := NewFlushWriter(w)
	if _, err := writer.Write([]byte(formatEvent(&Event{Event: "endpoint", Data: session.Endpoint()}))); err != nil {
		s.audit(r, dest.Name, "", http.StatusOK, started, auditExtra{errText: err.Error()})
		return
	}

	for {
		select {
		case <-r.Context().Done():
			s.audit(r, dest.Name, "", http.StatusOK, started, auditExtra{})
			return
		case line, ok := <-session.Events():
			if !ok {
				_, _ = writer.Write([]byte(formatEvent(&Event{Event: "error", Data: subprocessUnavailableFrame})))
				s.audit(r, dest.Name, "", http.StatusServiceUnavailable, started, auditExtra{
					errText: "subprocess unavailable",
				})
				return
			}
			result := s.scan(r.Context(), dest, string(line), true)
			if result.Action == config.ModeBlock {
				result.Body = `{"error":"` + blockedResponseMessage + `"}`
			}
			if _, err := writer.Write([]byte(formatEvent(&Event{Data: result.Body}))); err != nil {
				s.audit(r, dest.Name, "", http.StatusOK, started, auditExtra{errText: err.Error()})
				return
			}
		}
	}
}

// stdioLegacyMessage routes a legacy POST to the per-connection subprocess.
func (s *Server) stdioLegacyMessage(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing session_id")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: "missing session_id"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
		s.audit(r, dest.Name, "", http.StatusBadRequest, started, auditExtra{errText: err.Error()})
		return
	}
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

	if err := s.sseHub.Post(sessionID, []byte(result.Body)); err != nil {
		status := writeBridgeError(w, err)
		s.audit(r, dest.Name, method, status, started, auditExtra{errText: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.audit(r, dest.Name, method, http.StatusAccepted, started, auditExtra{
		detection:   detectionRecord(result),
		requestBody: result.Body,
		headers:     r.Header,
	})
}

// writeLegacyGone answers 410 for stdio destinations that only expose the
// streamable endpoint.
func (s *Server) writeLegacyGone(w http.ResponseWriter, r *http.Request, dest *config.Destination, started time.Time) {
	message := "SSE transport is not available for this destination; use /" + dest.Name + "/mcp"
	writeJSONError(w, http.StatusGone, message)
	s.audit(r, dest.Name, "", http.StatusGone, started, auditExtra{errText: message})
}
