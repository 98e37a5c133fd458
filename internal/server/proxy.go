package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/inference"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// readRequestBody reads the full body via bodyPool. The caller must return
// the buffer with bodyPool.Put once done with its bytes.
func readRequestBody(w http.ResponseWriter, r *http.Request) (*bytes.Buffer, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	return buf, true
}

// decodeRequestBody reads the request body via bodyPool, unmarshals JSON into
// v, and returns false (writing a 400) on error. Parse errors are logged
// server-side; clients receive a static message to avoid leaking internals.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	buf, ok := readRequestBody(w, r)
	if !ok {
		return false
	}
	defer bodyPool.Put(buf)
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// handleChatCompletion decodes the request, checks the response cache, and
// dispatches to whichever backend (local child or remote API alias) owns
// the model, copying the upstream response through unmodified.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	buf, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	raw := append([]byte(nil), buf.Bytes()...)
	bodyPool.Put(buf)

	var req gateway.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	auth := gateway.AuthFromContext(r.Context())
	cacheID, hasCacheID := rateLimitKey(auth)
	cacheable := hasCacheID && !req.Stream && s.deps.Cache != nil && isCacheable(&req)

	if cacheable {
		key := cacheKey(cacheID, &req)
		if data, ok := s.deps.Cache.Get(r.Context(), key); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.Inc()
			}
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	resp, err := s.deps.Router.Dispatch(r.Context(), inference.EndpointChatCompletions, req.Model, raw)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	defer resp.Body.Close()

	if !cacheable || resp.StatusCode != http.StatusOK {
		copyUpstreamResponse(w, resp)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		copyHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		return
	}
	s.deps.Cache.Set(r.Context(), cacheKey(cacheID, &req), body, 5*time.Minute)

	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// handleEmbeddings decodes an embedding request and dispatches it through
// the same router used for chat completions.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	buf, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	raw := append([]byte(nil), buf.Bytes()...)
	bodyPool.Put(buf)

	var req gateway.EmbeddingRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	resp, err := s.deps.Router.Dispatch(r.Context(), inference.EndpointEmbeddings, req.Model, raw)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	defer resp.Body.Close()
	copyUpstreamResponse(w, resp)
}

// hopByHopHeaders must never be forwarded from an upstream response.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(w http.ResponseWriter, resp *http.Response) {
	dst := w.Header()
	for k, vv := range resp.Header {
		if hopByHopHeaders[k] {
			continue
		}
		dst[k] = vv
	}
}

// copyUpstreamResponse copies resp's status, headers, and body to w
// unmodified. Streaming content types are flushed per read so SSE and
// ndjson responses reach the client incrementally instead of buffering.
func copyUpstreamResponse(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	ct := resp.Header.Get("Content-Type")
	streaming := strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "ndjson")

	flusher, canFlush := w.(http.Flusher)
	if !streaming || !canFlush {
		io.Copy(w, io.LimitReader(resp.Body, 32<<20))
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("stream copy error", "error", err)
			}
			return
		}
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// writeUpstreamError logs the full error server-side and returns a
// bgerrors-mapped envelope to the client.
func writeUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	slog.LogAttrs(ctx, slog.LevelError, "upstream error",
		slog.Int("status", errorStatus(err)),
		slog.String("error", err.Error()),
	)
	writeErrorEnvelope(w, err)
}

// writeErrorEnvelope writes err as the JSON error envelope, deriving both
// the HTTP status and the envelope's "type" field from bgerrors.Kind
// (e.g. KindAppRegInfoMissing maps to 500/"internal_server_error") rather
// than hardcoding the "invalid_request_error" errorResponse default.
func writeErrorEnvelope(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	envelopeType := "internal_server_error"
	if e, ok := bgerrors.As(err); ok {
		envelopeType = e.Kind.EnvelopeType()
	}
	resp := errorResponse(err.Error())
	resp.Error.Type = envelopeType
	writeJSON(w, status, resp)
}

func errorStatus(err error) int {
	if e, ok := bgerrors.As(err); ok {
		return e.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
