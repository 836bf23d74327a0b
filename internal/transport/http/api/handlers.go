package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"confluence/internal/logger"
	"confluence/internal/orchestrator"
	"confluence/internal/pkg/symbol"
)

type handlers struct {
	cfg ServerConfig
}

type addInstrumentRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

func (h *handlers) health(c *gin.Context) {
	initialized := h.cfg.Instruments.Initialized()
	body := gin.H{"status": "ok", "initialized": initialized}
	if h.cfg.Breaker != nil {
		body["breaker"] = h.cfg.Breaker.BreakerState().String()
	}
	status := http.StatusOK
	if !initialized {
		body["status"] = "stopped"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

func (h *handlers) listInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": h.cfg.Instruments.Snapshot()})
}

func (h *handlers) getInstrument(c *gin.Context) {
	inst, ok := h.cfg.Instruments.Instrument(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": orchestrator.ErrUnknownInstrument.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *handlers) addInstrument(c *gin.Context) {
	var req addInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sym, err := h.cfg.Instruments.AddInstrument(req.Symbol)
	if err != nil {
		logger.Warnf("[api] add instrument %q failed ip=%s err=%v", req.Symbol, c.ClientIP(), err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	inst, _ := h.cfg.Instruments.Instrument(sym)
	c.JSON(http.StatusOK, inst)
}

func (h *handlers) removeInstrument(c *gin.Context) {
	sym := c.Param("symbol")
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RemoveTimeout)
	defer cancel()
	if err := h.cfg.Instruments.RemoveInstrument(ctx, sym); err != nil {
		logger.Warnf("[api] remove instrument %q failed ip=%s err=%v", sym, c.ClientIP(), err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": symbol.Normalize(sym)})
}

func (h *handlers) usage(c *gin.Context) {
	if h.cfg.Usage == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	u := h.cfg.Usage.Usage()
	c.JSON(http.StatusOK, gin.H{
		"requests":       u.Requests,
		"weight":         u.Weight,
		"window_seconds": u.Window.Seconds(),
	})
}

func (h *handlers) evaluations(c *gin.Context) {
	rows, err := h.cfg.Journal.RecentEvaluations(c.Request.Context(), querySymbol(c), queryLimit(c))
	if err != nil {
		logger.Errorf("[api] evaluations query failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": rows})
}

func (h *handlers) events(c *gin.Context) {
	rows, err := h.cfg.Journal.RecentEvents(c.Request.Context(), querySymbol(c), queryLimit(c))
	if err != nil {
		logger.Errorf("[api] events query failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func querySymbol(c *gin.Context) string {
	if strings.TrimSpace(c.Query("symbol")) == "" {
		return ""
	}
	return symbol.Normalize(c.Query("symbol"))
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	return limit
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrMaxSymbols), errors.Is(err, orchestrator.ErrRemovalBlocked):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
