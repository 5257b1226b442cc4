package hook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"rcptprobe/internal/cache"
	"rcptprobe/internal/engine"
	"rcptprobe/internal/engine/mocks"
	"rcptprobe/internal/routes"
	"rcptprobe/internal/verdict"
)

func TestRcptThroughEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := mocks.NewMockRegistry(ctrl)
	c := mocks.NewMockCache(ctrl)
	prober := mocks.NewMockProber(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e, err := engine.New(registry, c, prober, engine.DefaultConfig(), engine.WithLogger(logger))
	require.NoError(t, err)
	router := NewRouter(New(e, fixedCount(1), c, logger), prometheus.NewRegistry())

	registry.EXPECT().Exchange("example.com").
		Return(routes.Exchange{Protocol: routes.ProtocolSMTP, Host: "mx.example.com", Port: 25}, nil)
	c.EXPECT().Available(gomock.Any()).Return(true).Times(2)
	c.EXPECT().Get(gomock.Any(), "user@example.com").Return(cache.Entry{}, cache.ErrNotFound)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any(), "sender@origin.example", "user@example.com", 5*time.Second).
		Return(verdict.Outcome{Code: verdict.Deny, Message: "5.1.1 No such user"})
	c.EXPECT().Put(gomock.Any(), "user@example.com", gomock.Any(), 300*time.Second).Return(nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/rcpt",
		strings.NewReader(`{"recipient":"<user@example.com>","sender":"<sender@origin.example>","transaction":true}`)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp RcptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "DENY", resp.Action)
	assert.Equal(t, "5.1.1 No such user", resp.Message)
	assert.Equal(t, []engine.Result{{Fail: "mx.deny"}}, resp.Results)
	assert.False(t, resp.Relaying)
	assert.Empty(t, resp.Notes)
}

func TestNoTransactionThroughEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(mocks.NewMockRegistry(ctrl), mocks.NewMockCache(ctrl), mocks.NewMockProber(ctrl),
		engine.Config{}, engine.WithLogger(logger))
	require.NoError(t, err)
	router := NewRouter(New(e, fixedCount(1), fixedCache(true), logger), prometheus.NewRegistry())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/rcpt",
		strings.NewReader(`{"recipient":"user@example.com","transaction":false}`)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp RcptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int(verdict.Cont), resp.Code)
}
