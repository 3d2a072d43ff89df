package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/health"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

// commandTimeout bounds commands issued over HTTP; the session's own
// request timeout still applies inside it.
const commandTimeout = 30 * time.Second

// writeError maps session errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	if re, ok := discord.AsRequestError(err); ok {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   re.Reason(),
			"code":    re.Code,
			"command": re.Command,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, discord.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, discord.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, discord.ErrUnknownSubscription):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleStatus returns connection state, the logged in user and counters.
func (s *Server) handleStatus(c *gin.Context) {
	sess := s.deps.Session
	resp := gin.H{
		"application_id": sess.ApplicationID(),
		"state":          sess.State().String(),
		"stats":          sess.Stats(),
	}
	if err := sess.LastError(); err != nil {
		resp["last_error"] = err.Error()
	}
	if user, ok := sess.CurrentUser(); ok {
		resp["user"] = user
	}
	c.JSON(http.StatusOK, resp)
}

// handleHealth answers 503 only when the session is down, so a degraded
// session still passes load balancer style probes.
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "health checks disabled"})
		return
	}
	report := s.deps.Health.Report()
	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	subs := s.deps.Session.Subscriptions()
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"total":         len(subs),
	})
}

type subscribeRequest struct {
	Event string `json:"event" binding:"required"`
	Scope string `json:"scope"`
}

// handleSubscribe registers a subscription that lives until deleted. Its
// events reach every tap (journal, MQTT) rather than the HTTP caller.
func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	evt := events.EventType(strings.ToUpper(req.Event))
	if !events.Known(evt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event " + req.Event})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()

	sub, err := s.deps.Session.Subscribe(ctx, evt, req.Scope)
	if err != nil {
		writeError(c, err)
		return
	}

	// nobody reads this channel over HTTP; drain it until unsubscribed
	go func() {
		for range sub.C() {
		}
	}()

	c.JSON(http.StatusCreated, gin.H{
		"id":    sub.ID(),
		"event": string(evt),
		"scope": req.Scope,
	})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()

	if err := s.deps.Session.UnsubscribeID(ctx, id); err != nil {
		// the subscription is gone even when the peer could not be told
		if errors.Is(err, discord.ErrUnknownSubscription) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// handleCommand sends an arbitrary command. The request body, if any, is
// passed through as args.
func (s *Server) handleCommand(c *gin.Context) {
	cmd := strings.ToUpper(c.Param("cmd"))

	var args json.RawMessage
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()

	var send interface{}
	if len(args) > 0 {
		send = args
	}
	data, err := s.deps.Session.SendCommand(ctx, cmd, send)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{"command": cmd, "data": data})
}
