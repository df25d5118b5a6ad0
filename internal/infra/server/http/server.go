// Package httpserver exposes HTTP handlers for label lookups and the event bus.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/researchspace/researchspace-sub019/errs"
	"github.com/researchspace/researchspace-sub019/internal/eventbus"
	"github.com/researchspace/researchspace-sub019/internal/infra/config"
	"github.com/researchspace/researchspace-sub019/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	labelsPath       = "/labels"
	eventsPath       = "/events"
	eventSourcesPath = "/events/sources"
	eventStreamPath  = "/events/stream"
	healthPath       = "/healthz"
)

// LabelResolver resolves labels for a set of IRIs.
type LabelResolver interface {
	Labels(ctx context.Context, iris []string) (map[string]string, error)
}

// Dependencies are the components the handlers delegate to. OriginPatterns lists the
// cross-origin hosts allowed to open the event stream.
type Dependencies struct {
	Environment    config.Environment
	Labels         LabelResolver
	Bus            eventbus.Bus
	Logger         observability.Logger
	OriginPatterns []string
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment    config.Environment
	labels         LabelResolver
	bus            eventbus.Bus
	logger         observability.Logger
	originPatterns []string
}

type eventPayload struct {
	EventType string   `json:"eventType"`
	Source    string   `json:"source"`
	Targets   []string `json:"targets"`
	Data      any      `json:"data"`
}

// NewHandler creates the HTTP handler for the platform API.
func NewHandler(deps Dependencies) http.Handler {
	server := &httpServer{
		environment:    deps.Environment,
		labels:         deps.Labels,
		bus:            deps.Bus,
		logger:         observability.Or(deps.Logger),
		originPatterns: deps.OriginPatterns,
	}
	mux := http.NewServeMux()

	mux.Handle(labelsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getLabels,
	}))
	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.triggerEvent,
	}))
	mux.Handle(eventSourcesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSources,
	}))
	mux.Handle(eventStreamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEvents,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getLabels(w http.ResponseWriter, r *http.Request) {
	if s.labels == nil {
		writeError(w, http.StatusServiceUnavailable, "label service unavailable")
		return
	}
	iris := uniqueNonEmpty(r.URL.Query()["iri"])
	if len(iris) == 0 {
		writeError(w, http.StatusBadRequest, "at least one iri query parameter required")
		return
	}
	labels, err := s.labels.Labels(r.Context(), iris)
	if err != nil {
		s.writeDomainError(w, "label lookup failed", err)
		return
	}
	missing := make([]string, 0)
	for _, iri := range iris {
		if _, ok := labels[iri]; !ok {
			missing = append(missing, iri)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"labels": labels, "missing": missing})
}

func (s *httpServer) triggerEvent(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeEventPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	evt := eventbus.Event{
		Type:    strings.TrimSpace(payload.EventType),
		Source:  strings.TrimSpace(payload.Source),
		Targets: payload.Targets,
		Data:    payload.Data,
	}
	if err := s.bus.Trigger(r.Context(), evt); err != nil {
		s.writeDomainError(w, "trigger failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "eventType": evt.Type})
}

func (s *httpServer) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.bus.Sources()})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func (s *httpServer) writeDomainError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, observability.F("error", err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errs.Is(err, errs.CodeInvalid):
		return http.StatusBadRequest
	case errs.Is(err, errs.CodeNotFound):
		return http.StatusNotFound
	case errs.Is(err, errs.CodeUnavailable):
		return http.StatusServiceUnavailable
	case errs.Is(err, errs.CodeFetchFailed), errs.Is(err, errs.CodeUpstream):
		return http.StatusBadGateway
	case errs.Is(err, errs.CodeRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeEventPayload(r *http.Request) (eventPayload, error) {
	var payload eventPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return eventPayload{}, err
	}
	if strings.TrimSpace(payload.EventType) == "" {
		return eventPayload{}, errors.New("eventType required")
	}
	return payload, nil
}

func uniqueNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeEncoded(w, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
