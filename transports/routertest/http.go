package routertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/internal/normalize"
)

const maxBodyBytes = 1 << 20

func (s *Server) mountREST(r chi.Router) {
	r.Use(middleware.Recoverer)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/health", s.restOp(core.OpHealth, nil))
		r.Get("/status", s.restOp(core.OpStatus, nil))
		r.Get("/metrics", s.restOp(core.OpMetrics, nil))
		r.Get("/models", s.restOp(core.OpListModels, func(r *http.Request) (json.RawMessage, error) {
			include, _ := strconv.ParseBool(r.URL.Query().Get("include_unloaded"))
			return json.Marshal(map[string]bool{"include_unloaded": include})
		}))
		r.Get("/models/{id}", s.restOp(core.OpGetModel, func(r *http.Request) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"model_id": chi.URLParam(r, "id")})
		}))
		r.Post("/models/load", s.restOp(core.OpLoadModel, readBody))
		r.Post("/models/unload", s.restOp(core.OpUnloadModel, readBody))
		r.Post("/inference", s.restOp(core.OpInference, readBody))
		r.Post("/inference/stream", s.restStream)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.Header.Get("Authorization")) {
			writeJSONError(w, unauthorized())
			return
		}
		if id := r.Header.Get("X-Request-ID"); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

func readBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, core.ValidationError("read", "read body: %v", err)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, core.ValidationError("read", "invalid JSON body")
	}
	return data, nil
}

// restOp adapts handle to an HTTP handler. payload builds the operation's
// JSON arguments from the request.
func (s *Server) restOp(op core.Operation, payload func(*http.Request) (json.RawMessage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data json.RawMessage
		if payload != nil {
			var err error
			if data, err = payload(r); err != nil {
				writeJSONError(w, err)
				return
			}
		}
		out, err := s.handle(r.Context(), op, data)
		if err != nil {
			s.logger.Debug().Str("op", string(op)).Err(err).Msg("request failed")
			writeJSONError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func (s *Server) restStream(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	var req core.InferenceRequest
	if err := decodeInto(core.OpStreamInference, data, &req); err != nil {
		writeJSONError(w, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	write := func(v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if s.ndjson {
			_, err = fmt.Fprintf(w, "%s\n", payload)
		} else {
			_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return err
	}
	emit := func(c core.StreamChunk) error {
		if !started {
			if s.ndjson {
				w.Header().Set("Content-Type", "application/x-ndjson")
			} else {
				w.Header().Set("Content-Type", "text/event-stream")
			}
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		return write(c)
	}

	err = s.backend.StreamInference(r.Context(), req, emit)
	switch {
	case err != nil && !started:
		writeJSONError(w, err)
	case err != nil:
		_ = write(errorChunk(err))
	case !s.ndjson:
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

// writeJSONError writes {"error": ..., "code": ...} with the status
// matching the error kind.
func writeJSONError(w http.ResponseWriter, err error) {
	kind, msg := errorDetails(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(normalize.StatusForKind(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
		"code":  normalize.ErrorCodeForKind(kind),
	})
}
