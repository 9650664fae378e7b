package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oicur0t/logpulse/internal/autofix"
	"github.com/oicur0t/logpulse/internal/hub"
	"github.com/oicur0t/logpulse/internal/pipeline"
	"github.com/oicur0t/logpulse/internal/store"
	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubGateway classifies by the first word of the line
type stubGateway struct {
	suggestErr error
}

func (g *stubGateway) Classify(ctx context.Context, raw string) (models.Classification, error) {
	word, rest, _ := strings.Cut(raw, " ")
	return models.Classification{Level: models.ParseLevel(word), Service: "api", Message: rest}, nil
}

func (g *stubGateway) SuggestFix(ctx context.Context, entry models.LogEntry, recent []models.LogEntry) (string, error) {
	if g.suggestErr != nil {
		return "", g.suggestErr
	}
	return "restart " + entry.Cleaned.Service, nil
}

func (g *stubGateway) Chat(ctx context.Context, entry models.LogEntry, recent []models.LogEntry, question string) (string, error) {
	if g.suggestErr != nil {
		return "", g.suggestErr
	}
	return "re: " + question, nil
}

type testServer struct {
	*httptest.Server
	handler  *Handler
	store    *store.Store
	hub      *hub.Registry
	fixes    *autofix.Orchestrator
	pipeline *pipeline.Pipeline
	gateway  *stubGateway
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	logger := zap.NewNop()

	gw := &stubGateway{}
	st := store.New()
	reg := hub.NewRegistry(st, logger)
	fixes := autofix.New(st, reg, autofix.Options{}, logger)
	pl := pipeline.New(st, reg, gw, fixes, pipeline.Options{}, logger)

	h := NewHandler(st, reg, pl, fixes, opts, logger)
	var handler http.Handler = h.Routes()
	handler = RecoveryMiddleware(logger)(handler)
	handler = LoggingMiddleware(logger)(handler)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		pl.Wait()
	})

	return &testServer{
		Server:   srv,
		handler:  h,
		store:    st,
		hub:      reg,
		fixes:    fixes,
		pipeline: pl,
		gateway:  gw,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

var errGatewayDown = errors.New("gateway down")
