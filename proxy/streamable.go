package proxy

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/jsonrpc"
)

func (s *Server) handleStreamablePost(w http.ResponseWriter, r *http.Request) {
	dest := s.destination(w, r)
	if dest == nil {
		return
	}
	switch dest.Kind {
	case config.KindStdio:
		s.stdioPost(w, r, dest)
	case config.KindStreamableHTTP:
		s.relayStreamablePost(w, r, dest)
	default:
		s.writeNotStreamable(w, r, dest)
	}
}

func (s *Server) handleStreamableGet(w http.ResponseWriter, r *http.Request) {
	dest := s.destination(w, r)
	if dest == nil {
		return
	}
	switch dest.Kind {
	case config.KindStdio:
		s.stdioStream(w, r, dest)
	case config.KindStreamableHTTP:
		s.relayStreamableStream(w, r, dest)
	default:
		s.writeNotStreamable(w, r, dest)
	}
}

func (s *Server) handleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	dest := s.destination(w, r)
	if dest == nil {
		return
	}
	switch dest.Kind {
	case config.KindStdio:
		s.stdioDelete(w, r, dest)
	case config.KindStreamableHTTP:
		s.relayStreamableDelete(w, r, dest)
	default:
		s.writeNotStreamable(w, r, dest)
	}
}

func (s *Server) writeNotStreamable(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	message := "Destination '" + dest.Name + "' does not support the streamable transport; use /" + dest.Name + "/sse"
	writeJSONError(w, http.StatusBadRequest, message)
	s.audit(r, dest.Name, "", http.StatusBadRequest, time.Now(), auditExtra{errText: message})
}

// relayStreamablePost forwards a streamable POST to the upstream endpoint and
// scans both directions.
func (s *Server) relayStreamablePost(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
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

	resp, err := s.forward(r.Context(), http.MethodPost, dest.URL, forwardableHeaders(r.Header), []byte(result.Body))
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

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		s.relayEventStream(w, r, dest, resp, started, method)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "Upstream read failed: "+err.Error())
		s.audit(r, dest.Name, method, http.StatusBadGateway, started, auditExtra{errText: err.Error()})
		return
	}
	var rpcId any
	if reply := new(jsonrpc.Response); json.Unmarshal(respBody, reply) == nil {
		rpcId = reply.Id
	}
	outcome := s.scan(r.Context(), dest, string(respBody), true)
	if outcome.Action == config.ModeBlock {
		writeJSONError(w, http.StatusForbidden, blockedResponseMessage)
		s.audit(r, dest.Name, method, http.StatusForbidden, started, auditExtra{
			rpcId:        rpcId,
			detection:    detectionRecord(outcome),
			requestBody:  result.Body,
			responseBody: string(respBody),
			headers:      r.Header,
		})
		return
	}

	relayHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write([]byte(outcome.Body))
	detection := detectionRecord(result)
	if detection == nil {
		detection = detectionRecord(outcome)
	}
	s.audit(r, dest.Name, method, resp.StatusCode, started, auditExtra{
		rpcId:        rpcId,
		detection:    detection,
		requestBody:  result.Body,
		responseBody: outcome.Body,
		headers:      r.Header,
	})
}

// relayStreamableStream forwards the upstream notification stream.
func (s *Server) relayStreamableStream(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
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
		_, _ = io.Copy(w, resp.Body)
		s.audit(r, dest.Name, "", resp.StatusCode, started, auditExtra{})
		return
	}
	s.relayEventStream(w, r, dest, resp, started, "")
}

// relayStreamableDelete closes the upstream session.
func (s *Server) relayStreamableDelete(w http.ResponseWriter, r *http.Request, dest *config.Destination) {
	started := time.Now()
	resp, err := s.forward(r.Context(), http.MethodDelete, dest.URL, forwardableHeaders(r.Header), nil)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "Upstream unreachable: "+err.Error())
		s.audit(r, dest.Name, "", http.StatusBadGateway, started, auditExtra{errText: err.Error()})
		return
	}
	defer resp.Body.Close()
	relayHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	s.audit(r, dest.Name, "", resp.StatusCode, started, auditExtra{})
}

// relayEventStream pipes an upstream SSE body to the client, scanning each
// data frame as a response.
func (s *Server) relayEventStream(w http.ResponseWriter, r *http.Request, dest *config.Destination, resp *http.Response, started time.Time, method string) {
	relayHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	writer := NewFlushWriter(w)
	reader := bufio.NewReader(resp.Body)
	for {
		event, err := readEvent(reader)
		if err != nil {
			s.audit(r, dest.Name, method, resp.StatusCode, started, auditExtra{})
			return
		}
		if event.Data != "" {
			outcome := s.scan(r.Context(), dest, event.Data, true)
			if outcome.Action == config.ModeBlock {
				event.Data = `{"error":"` + blockedResponseMessage + `"}`
			} else {
				event.Data = outcome.Body
			}
		}
		if _, err := writer.Write([]byte(formatEvent(event))); err != nil {
			s.audit(r, dest.Name, method, resp.StatusCode, started, auditExtra{errText: err.Error()})
			return
		}
	}
}
