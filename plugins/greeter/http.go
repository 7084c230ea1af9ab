// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package greeter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

const defaultHistoryPage = 10

// request carries the arguments of greet and farewell. GET requests pass
// them as query parameters and POST requests as a JSON body.
type request struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Style    string `json:"style"`
}

func decodeRequest(r *http.Request) (request, error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		q := r.URL.Query()
		return request{Name: q.Get("name"), Language: q.Get("language"), Style: q.Get("style")}, nil
	case http.MethodPost:
		var req request
		if r.ContentLength == 0 {
			return req, nil
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid request body: %w", err)
		}
		return req, nil
	default:
		return request{}, errMethod
	}
}

var errMethod = errors.New("method not allowed")

func (p *Plugin) handleGreet(w http.ResponseWriter, r *http.Request) {
	req, ok := p.decode(w, r)
	if !ok {
		return
	}
	p.writeJSON(w, http.StatusOK, p.Greet(r.Context(), req.Name, req.Language, req.Style))
}

func (p *Plugin) handleFarewell(w http.ResponseWriter, r *http.Request) {
	req, ok := p.decode(w, r)
	if !ok {
		return
	}
	p.writeJSON(w, http.StatusOK, p.Farewell(r.Context(), req.Name, req.Style))
}

func (p *Plugin) handleStats(w http.ResponseWriter, _ *http.Request) {
	p.writeJSON(w, http.StatusOK, p.Stats())
}

type historyResponse struct {
	RecentGreetings []Record `json:"recent_greetings"`
	TotalInHistory  int      `json:"total_in_history"`
}

func (p *Plugin) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			p.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	records, total := p.History(limit)
	if limit == 0 {
		records = records[:0]
	}
	p.writeJSON(w, http.StatusOK, historyResponse{RecentGreetings: records, TotalInHistory: total})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (p *Plugin) decode(w http.ResponseWriter, r *http.Request) (request, bool) {
	req, err := decodeRequest(r)
	switch {
	case errors.Is(err, errMethod):
		w.Header().Set("Allow", "GET, HEAD, POST")
		p.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: err.Error()})
		return req, false
	case err != nil:
		p.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, false
	}
	return req, true
}

func (p *Plugin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.logger.Error("failed to write greeter response", "status", status, "error", err)
	}
}
