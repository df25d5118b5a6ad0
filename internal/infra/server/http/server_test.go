package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/researchspace/researchspace-sub019/errs"
	"github.com/researchspace/researchspace-sub019/internal/eventbus"
	"github.com/researchspace/researchspace-sub019/internal/infra/config"
)

type fakeLabels struct {
	labels map[string]string
	err    error
	asked  []string
}

func (f *fakeLabels) Labels(_ context.Context, iris []string) (map[string]string, error) {
	f.asked = iris
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string)
	for _, iri := range iris {
		if label, ok := f.labels[iri]; ok {
			out[iri] = label
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, labels LabelResolver, originPatterns ...string) (*httptest.Server, *eventbus.MemoryBus) {
	t.Helper()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(NewHandler(Dependencies{
		Environment:    config.EnvDev,
		Labels:         labels,
		Bus:            bus,
		OriginPatterns: originPatterns,
	}))
	t.Cleanup(srv.Close)
	return srv, bus
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGetLabels(t *testing.T) {
	labels := &fakeLabels{labels: map[string]string{"urn:a": "Alpha"}}
	srv, _ := newTestServer(t, labels)

	resp, err := http.Get(srv.URL + "/labels?iri=urn:a&iri=urn:b&iri=urn:a&iri=")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, map[string]any{"urn:a": "Alpha"}, body["labels"])
	require.Equal(t, []any{"urn:b"}, body["missing"])
	require.Equal(t, []string{"urn:a", "urn:b"}, labels.asked)
}

func TestGetLabelsRequiresIRI(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLabels{})
	resp, err := http.Get(srv.URL + "/labels")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGetLabelsMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errs.New("batcher", errs.CodeFetchFailed, errs.WithCause(errors.New("down"))), http.StatusBadGateway},
		{errs.New("batcher", errs.CodeUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv, _ := newTestServer(t, &fakeLabels{err: tc.err})
		resp, err := http.Get(srv.URL + "/labels?iri=urn:a")
		require.NoError(t, err)
		require.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		body := decodeBody(t, resp)
		require.Equal(t, "error", body["status"])
	}
}

func TestPostEventTriggersBus(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	sub, err := bus.Listen(eventbus.Filter{EventType: "Resource.Updated"}).Subscribe(context.Background())
	require.NoError(t, err)

	payload := `{"eventType":"Resource.Updated","source":"editor","targets":["urn:a"],"data":{"k":"v"}}`
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	select {
	case evt := <-sub.Events():
		require.Equal(t, "editor", evt.Source)
		require.Equal(t, []string{"urn:a"}, evt.Targets)
		require.Equal(t, map[string]any{"k": "v"}, evt.Data)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPostEventValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, body := range []string{`{"source":"x"}`, `{"eventType":`, `{"eventType":"T","extra":1}`} {
		resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		_ = resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	_ = resp.Body.Close()
}

func TestPostEventOnClosedBus(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	bus.Close()
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"eventType":"T"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestListSources(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	require.NoError(t, bus.RegisterSource(context.Background(), eventbus.EventSource{Source: "graph", EventType: "Component.Loaded"}))

	resp, err := http.Get(srv.URL + "/events/sources")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, []any{map[string]any{"source": "graph", "eventType": "Component.Loaded"}}, body["sources"])
}

func TestHealthAndCORS(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	body := decodeBody(t, resp)
	require.Equal(t, "ok", body["status"])

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestEventStream(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream?eventType=Component.Loaded&target=urn:a"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Trigger(ctx, eventbus.Event{Type: "Component.Loaded", Targets: []string{"urn:b"}}))
	require.NoError(t, bus.Trigger(ctx, eventbus.Event{Type: "Component.Loaded", Source: "graph", Targets: []string{"urn:a"}}))

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var evt eventbus.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, "graph", evt.Source)
	require.Equal(t, []string{"urn:a"}, evt.Targets)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool { return bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamOriginCheck(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		origin   string
		allowed  bool
	}{
		{name: "foreign origin rejected", origin: "http://evil.example"},
		{name: "listed origin accepted", patterns: []string{"app.example.org"}, origin: "https://app.example.org", allowed: true},
		{name: "unlisted origin rejected", patterns: []string{"app.example.org"}, origin: "https://other.example.org"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, bus := newTestServer(t, nil, tc.patterns...)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream"
			conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": []string{tc.origin}},
			})
			if !tc.allowed {
				require.Error(t, err)
				require.NotNil(t, resp)
				require.Equal(t, http.StatusForbidden, resp.StatusCode)
				require.Zero(t, bus.Len())
				return
			}
			require.NoError(t, err)
			require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
			require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
		})
	}
}
