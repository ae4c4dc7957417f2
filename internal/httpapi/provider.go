package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"call_dashboard/internal/provider"
)

func (r *Router) providerReady(w http.ResponseWriter) bool {
	if r.d.Provider == nil || !r.d.Provider.Configured() {
		respondError(w, http.StatusServiceUnavailable, provider.ErrNotConfigured.Error())
		return false
	}
	return true
}

func (r *Router) providerCalls(w http.ResponseWriter, req *http.Request) {
	if !r.providerReady(w) {
		return
	}
	limit, ok := parseLimit(w, req, defaultCallsLimit, maxCallsLimit)
	if !ok {
		return
	}
	body, err := r.d.Provider.ListCalls(req.Context(), provider.ListOptions{
		AgentID:          req.URL.Query().Get("agent_id"),
		Limit:            limit,
		ExpandTranscript: true,
	})
	if err != nil {
		providerError(w, err, "list calls")
		return
	}
	writeRaw(w, body)
}

func (r *Router) providerCall(w http.ResponseWriter, req *http.Request) {
	if !r.providerReady(w) {
		return
	}
	body, err := r.d.Provider.GetCall(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		providerError(w, err, "get call")
		return
	}
	writeRaw(w, body)
}

func (r *Router) providerAudio(w http.ResponseWriter, req *http.Request) {
	if !r.providerReady(w) {
		return
	}
	callID := chi.URLParam(req, "id")
	body, contentType, err := r.d.Provider.StreamAudio(req.Context(), callID)
	if err != nil {
		providerError(w, err, "stream audio")
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Debug().Err(err).Str("call_id", callID).Msg("audio stream interrupted")
	}
}

func providerError(w http.ResponseWriter, err error, op string) {
	switch {
	case provider.NotFound(err):
		respondError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, provider.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Str("op", op).Msg("provider request failed")
		respondError(w, http.StatusBadGateway, "call-data provider request failed")
	}
}

func writeRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
