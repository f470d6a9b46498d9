package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/opencode-kiro/kiro-gateway/internal/gateway"
	"github.com/opencode-kiro/kiro-gateway/internal/logging"
	"github.com/opencode-kiro/kiro-gateway/internal/metrics"
	"github.com/opencode-kiro/kiro-gateway/internal/runtime/executor"
	translator "github.com/opencode-kiro/kiro-gateway/internal/translator/kiro"
	"github.com/opencode-kiro/kiro-gateway/internal/util"
)

// maxRequestBytes bounds the accepted request body.
const maxRequestBytes = 32 << 20

func (s *Server) chatCompletions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		apiError(c, http.StatusBadRequest, "invalid_request_error", "cannot read request body")
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeBadRequest).Inc()
		return
	}
	doc := gjson.ParseBytes(body)
	model := doc.Get("model").String()
	if model == "" {
		apiError(c, http.StatusBadRequest, "invalid_request_error", "missing model")
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeBadRequest).Inc()
		return
	}
	streaming := doc.Get("stream").Bool()
	if s.cfg.DebugEnabled() {
		log.Debugf("api: chat request model=%s stream=%v body=%s", model, streaming, util.RedactSensitiveJSON(body))
	}

	start := time.Now()
	res, err := s.dispatcher.Dispatch(c.Request.Context(), model, body)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeDispatchError(c, err)
		return
	}
	defer res.Response.Body.Close()
	metrics.DispatchTotal.WithLabelValues(metrics.OutcomeOK).Inc()

	if streaming {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
		if err := executor.ParseStream(c.Request.Context(), res.Response.Body, c.Writer); err != nil {
			// the stream already carries the error frame
			log.Warnf("api: stream ended with error: %v", err)
		}
		return
	}

	completion, err := executor.Collect(c.Request.Context(), res.Response.Body)
	if err != nil {
		apiError(c, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	raw, err := completion.OpenAIEnvelope(model)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (s *Server) writeDispatchError(c *gin.Context, err error) {
	var (
		te  *translator.TranslationError
		nae *gateway.NoAvailableAccountsError
		rle *gateway.RateLimitError
		qee *gateway.QuotaExhaustedError
		ue  *gateway.UpstreamError
	)
	switch {
	case errors.As(err, &te):
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeBadRequest).Inc()
		apiError(c, http.StatusBadRequest, "invalid_request_error", te.Message)
	case errors.As(err, &nae):
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeNoAccounts).Inc()
		if nae.Wait > 0 {
			c.Header("Retry-After", fmt.Sprintf("%d", int(nae.Wait.Seconds())+1))
		}
		apiError(c, http.StatusServiceUnavailable, "overloaded_error", err.Error())
	case errors.As(err, &rle):
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		c.Header("Retry-After", fmt.Sprintf("%d", int(rle.RetryAfter.Seconds())))
		apiError(c, http.StatusTooManyRequests, "rate_limit_error", err.Error())
	case errors.As(err, &qee):
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeQuota).Inc()
		apiError(c, http.StatusTooManyRequests, "rate_limit_error", err.Error())
	case errors.As(err, &ue):
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeUpstreamError).Inc()
		apiError(c, http.StatusBadGateway, "upstream_error", err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nothing to write
	default:
		metrics.DispatchTotal.WithLabelValues(metrics.OutcomeNetworkError).Inc()
		apiError(c, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

func (s *Server) listModels(c *gin.Context) {
	names := translator.PublicModels()
	sort.Strings(names)
	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"owned_by": "amazon-q",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) healthz(c *gin.Context) {
	accounts := s.manager.Accounts()
	now := time.Now().UnixMilli()
	available := 0
	for _, acc := range accounts {
		if acc.Available(now) {
			available++
		}
	}
	status := "ok"
	code := http.StatusOK
	if len(accounts) > 0 && available == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"accounts": gin.H{
			"total":     len(accounts),
			"available": available,
		},
	})
}

func (s *Server) recentLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": logging.Buffer.Entries()})
}

func apiError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{"type": errType, "message": message},
	})
}
