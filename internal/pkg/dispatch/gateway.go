// Package dispatch hands paid-for or free tasks to the analysis engine.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
)

const startPath = "/api/v1/analysis/start"

type Request struct {
	TaskID        string   `json:"task_id"`
	Ticker        string   `json:"ticker"`
	AnalysisDate  string   `json:"analysis_date"`
	Analysts      []string `json:"selected_analysts"`
	ResearchDepth int      `json:"research_depth"`
}

// Gateway accepts a task for execution. A nil error means the engine took it.
type Gateway interface {
	Submit(ctx context.Context, req Request) error
}

type HTTPGateway struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Submit(ctx context.Context, req Request) (err error) {
	start := time.Now()
	defer func() {
		metrics.DispatchRequests.WithLabelValues(metrics.Result(err)).Inc()
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	if req.Analysts == nil {
		req.Analysts = []string{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return apperror.Dispatch("failed to encode dispatch request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+startPath, bytes.NewReader(payload))
	if err != nil {
		return apperror.Dispatch("invalid engine url", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := g.HTTPClient.Do(httpReq)
	if err != nil {
		log.Errorf("[Dispatch] task %s: engine unreachable: %v", req.TaskID, err)
		return apperror.Dispatch("analysis engine unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Errorf("[Dispatch] task %s: engine returned status=%d body=%s", req.TaskID, resp.StatusCode, string(body))
		return apperror.Dispatch(fmt.Sprintf("analysis engine rejected task: status %d", resp.StatusCode), nil)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return apperror.Dispatch("analysis engine returned an empty response", nil)
	}

	log.Infof("[Dispatch] task %s accepted by engine", req.TaskID)
	return nil
}
