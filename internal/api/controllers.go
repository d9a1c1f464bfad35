package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"squareoff/internal/engine"
	"squareoff/internal/rules"
	"squareoff/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ruleRequest struct {
	Name         string               `json:"name" binding:"required,min=1,max=120"`
	Symbol       string               `json:"symbol" binding:"required,min=1"`
	Exchange     string               `json:"exchange"`
	PositionType string               `json:"position_type" binding:"required,oneof=LONG SHORT"`
	EntryPrice   float64              `json:"entry_price" binding:"gt=0"`
	Quantity     float64              `json:"quantity" binding:"gt=0"`
	Priority     int                  `json:"priority"`
	TakeProfit   *rules.ExitCondition `json:"take_profit"`
	StopLoss     *rules.ExitCondition `json:"stop_loss"`
	Window       *rules.TimeWindow    `json:"time_conditions"`
}

type listOrdersQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (req *ruleRequest) toRule(id, userID string) *rules.Rule {
	exchange := req.Exchange
	if exchange == "" {
		exchange = "NSE"
	}
	return &rules.Rule{
		ID:           id,
		UserID:       userID,
		Name:         req.Name,
		Symbol:       req.Symbol,
		Exchange:     exchange,
		PositionType: rules.PositionType(req.PositionType),
		EntryPrice:   req.EntryPrice,
		Quantity:     req.Quantity,
		Priority:     req.Priority,
		Enabled:      true,
		TakeProfit:   req.TakeProfit,
		StopLoss:     req.StopLoss,
		Window:       req.Window,
		Status:       rules.StatusPending,
	}
}

// ----------------------------------------
// Rules
// ----------------------------------------

func (s *Server) listRules(c *gin.Context) {
	userID := CurrentUserID(c)
	list, err := s.Queries.ListByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": list})
}

func (s *Server) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	r := req.toRule(uuid.NewString(), CurrentUserID(c))
	if err := rules.Validate(r); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RULE", err.Error())
		return
	}
	if err := s.Queries.CreateRule(c.Request.Context(), r); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) getRule(c *gin.Context) {
	r, err := s.Queries.GetRule(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "RULE_NOT_FOUND", "rule not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) updateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	r := req.toRule(c.Param("id"), CurrentUserID(c))
	if err := rules.Validate(r); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RULE", err.Error())
		return
	}
	if err := s.Queries.UpdateRule(c.Request.Context(), r); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "RULE_NOT_FOUND", "rule not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) deleteRule(c *gin.Context) {
	err := s.Queries.DeleteRule(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "RULE_NOT_FOUND", "rule not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) enableRule(c *gin.Context)  { s.setRuleEnabled(c, true) }
func (s *Server) disableRule(c *gin.Context) { s.setRuleEnabled(c, false) }

func (s *Server) setRuleEnabled(c *gin.Context, enabled bool) {
	err := s.Queries.SetRuleEnabled(c.Request.Context(), CurrentUserID(c), c.Param("id"), enabled)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "RULE_NOT_FOUND", "rule not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": enabled})
}

// importRules accepts a YAML document of rules and inserts every valid entry.
// The whole batch is rejected if any rule fails validation, so a typo cannot
// half-import a file.
func (s *Server) importRules(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "cannot read request body")
		return
	}

	userID := CurrentUserID(c)
	parsed, err := rules.ParseDocument(data, userID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_DOCUMENT", err.Error())
		return
	}

	ctx := c.Request.Context()
	ids := make([]string, 0, len(parsed))
	for _, r := range parsed {
		if err := s.Queries.CreateRule(ctx, r); err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		ids = append(ids, r.ID)
	}
	c.JSON(http.StatusCreated, gin.H{"imported": len(ids), "ids": ids})
}

// ----------------------------------------
// Engine lifecycle
// ----------------------------------------

func (s *Server) startEngine(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Sched.Start(userID); err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			c.JSON(http.StatusOK, gin.H{"running": true, "message": "engine already running"})
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) stopEngine(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Sched.Stop(userID); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			c.JSON(http.StatusOK, gin.H{"running": false, "message": "engine not running"})
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) engineStatus(c *gin.Context) {
	st := s.Sched.Status(CurrentUserID(c))
	resp := gin.H{
		"running":       st.Running,
		"rules_loaded":  st.RulesLoaded,
		"active_trades": st.ActiveTrades,
		"ticks":         st.Ticks,
	}
	if st.Running {
		resp["started_at"] = st.StartedAt.UTC().Format(time.RFC3339)
		resp["tick_interval"] = st.TickInterval.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getActiveTrades(c *gin.Context) {
	trades := s.Sched.ActiveTrades(CurrentUserID(c))
	if trades == nil {
		trades = []engine.TradeView{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	orders, err := s.Queries.ListExitOrdersByUser(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if orders == nil {
		orders = []db.ExitOrder{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// ----------------------------------------
// System
// ----------------------------------------

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"version":           s.Meta.Version,
		"use_mock_feed":     s.Meta.UseMockFeed,
		"execution_enabled": s.Meta.ExecutionEnabled,
		"engines_running":   len(s.Sched.Users()),
	})
}
