package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/harvest/app/config"
	"github.com/lysyi3m/harvest/app/state"
)

func NewHandler(store state.Store, rules *config.Rules, backend, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:   store,
		rules:   rules,
		backend: backend,
		version: version,
		logger:  logger,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"backend":   h.backend,
		"status":    "ok",
	}

	if h.rules != nil {
		health["loaded_feeds"] = len(h.rules.Feeds)
	}

	if _, err := h.store.Load(c.Request.Context()); err != nil {
		h.logger.Error("State store unavailable", "backend", h.backend, "error", err)
		health["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("State error", "operation", "stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "State store error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"backend": h.backend,
		"items":   stats,
	})
}

func (h *Handler) APIListItems(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.store.List(c.Request.Context(), state.Query{
		SourceType: c.Query("source_type"),
		SourceName: c.Query("source_name"),
		Limit:      limit,
	})
	if err != nil {
		h.logger.Error("State error", "operation", "list", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "State store error"})
		return
	}

	items := make([]itemResponse, 0, len(records))
	for i := range records {
		items = append(items, newItemResponse(&records[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": len(items),
	})
}

func (h *Handler) APIGetItem(c *gin.Context) {
	// Item ids are often URLs, so the id is a catch-all path segment.
	id := strings.TrimPrefix(c.Param("id"), "/")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing item id parameter"})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrLockTimeout) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "State store busy"})
			return
		}
		h.logger.Error("State error", "operation", "get", "item", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "State store error"})
		return
	}

	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}

	c.JSON(http.StatusOK, newItemResponse(rec))
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	if h.rules == nil {
		c.JSON(http.StatusOK, gin.H{"feeds": []any{}, "total": 0})
		return
	}

	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("State error", "operation", "stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "State store error"})
		return
	}

	feeds := make([]map[string]interface{}, 0, len(h.rules.Feeds))
	for i := range h.rules.Feeds {
		rule := &h.rules.Feeds[i]
		feeds = append(feeds, map[string]interface{}{
			"name":       rule.Name,
			"url":        rule.URL,
			"enabled":    rule.Settings.IsEnabled(),
			"max_items":  rule.Settings.MaxItems,
			"timeout":    rule.Settings.GetTimeout().String(),
			"actions":    h.rules.EffectiveActions(rule),
			"filters":    h.rules.EffectiveCriteria(rule),
			"item_count": stats.BySourceName[rule.Name],
		})
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"feeds": feeds,
		"total": len(feeds),
	})
}
