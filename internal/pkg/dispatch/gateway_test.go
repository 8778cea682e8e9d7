package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
)

func TestHTTPGatewaySubmit(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/analysis/start", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL+"/", time.Second)
	err := g.Submit(context.Background(), Request{
		TaskID:        "t-1",
		Ticker:        "NVDA",
		AnalysisDate:  "2024-05-01",
		ResearchDepth: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "t-1", got["task_id"])
	assert.Equal(t, "NVDA", got["ticker"])
	assert.Equal(t, "2024-05-01", got["analysis_date"])
	assert.Equal(t, float64(3), got["research_depth"])
	assert.Equal(t, []interface{}{}, got["selected_analysts"])
}

func TestHTTPGatewayFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"detail":"boom"}`))
			},
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				_, _ = w.Write([]byte(`{}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			g := NewHTTPGateway(srv.URL, 50*time.Millisecond)
			err := g.Submit(context.Background(), Request{TaskID: "t"})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperror.ErrDispatch)
			assert.Equal(t, apperror.CodeDispatchFailed, apperror.From(err).Code)
		})
	}
}

func TestHTTPGatewayUnreachable(t *testing.T) {
	g := NewHTTPGateway("http://127.0.0.1:1", 100*time.Millisecond)
	err := g.Submit(context.Background(), Request{TaskID: "t"})
	assert.ErrorIs(t, err, apperror.ErrDispatch)
}
