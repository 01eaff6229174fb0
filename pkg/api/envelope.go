package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxRequestBody = 1 << 20

// request is a decoded call: either an envelope or a plain REST request.
type request struct {
	Method string
	Body   json.RawMessage
}

// response is rendered as {statusCode, body}.
type response struct {
	status int
	body   any
}

type errorBody struct {
	Message string `json:"message"`
}

type envelopeRequest struct {
	HTTPMethod *string         `json:"httpMethod"`
	Body       json.RawMessage `json:"body"`
}

type envelopeResponse struct {
	StatusCode int `json:"statusCode"`
	Body       any `json:"body"`
}

type methodHandler func(ctx context.Context, req *request) response

type methods map[string]methodHandler

func respond(status int, body any) response {
	return response{status: status, body: body}
}

func fail(status int, format string, args ...any) response {
	return response{status: status, body: errorBody{Message: fmt.Sprintf(format, args...)}}
}

// resource dispatches a request to the handler of its (possibly
// enveloped) method.
func (s *server) resource(handlers methods) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseRequest(r)
		if err != nil {
			writeEnvelope(w, http.StatusBadRequest, errorBody{err.Error()})

			return
		}

		handler, ok := handlers[req.Method]
		if !ok {
			writeEnvelope(w, http.StatusMethodNotAllowed,
				errorBody{fmt.Sprintf("unsupported method %q", req.Method)})

			return
		}

		resp := handler(r.Context(), req)
		writeEnvelope(w, resp.status, resp.body)
	}
}

// parseRequest reads an envelope {httpMethod, body} posted to the
// resource, or a plain request whose JSON body (or query string for
// bodyless GETs) is the payload.
func parseRequest(r *http.Request) (*request, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	data = bytes.TrimSpace(data)

	if len(data) == 0 {
		return &request{Method: r.Method, Body: queryBody(r)}, nil
	}

	if r.Method == http.MethodPost {
		var env envelopeRequest
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}

		if env.HTTPMethod != nil {
			method := strings.ToUpper(*env.HTTPMethod)
			if method == "" {
				return nil, errors.New("httpMethod must not be empty")
			}

			body := env.Body
			if len(body) == 0 || string(body) == "null" {
				body = json.RawMessage("{}")
			}

			return &request{Method: method, Body: body}, nil
		}
	}

	return &request{Method: r.Method, Body: data}, nil
}

func queryBody(r *http.Request) json.RawMessage {
	query := r.URL.Query()
	if len(query) == 0 {
		return json.RawMessage("{}")
	}

	m := make(map[string]string, len(query))
	for key := range query {
		m[key] = query.Get(key)
	}

	data, _ := json.Marshal(m) //nolint:errchkjson // string map

	return data
}

// decode unmarshals the request body, rejecting unknown properties.
func decode(req *request, v any) error {
	dec := json.NewDecoder(bytes.NewReader(req.Body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}

// writeEnvelope writes {statusCode, body} with the same HTTP status.
// 204 responses carry no body.
func writeEnvelope(w http.ResponseWriter, status int, body any) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if body == nil {
		body = map[string]any{}
	}

	if err := json.NewEncoder(w).Encode(envelopeResponse{StatusCode: status, Body: body}); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}
