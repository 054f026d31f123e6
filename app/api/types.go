package api

import (
	"log/slog"
	"time"

	"github.com/lysyi3m/harvest/app/config"
	"github.com/lysyi3m/harvest/app/state"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Handler struct {
	store   state.Store
	rules   *config.Rules
	backend string
	version string
	logger  *slog.Logger
}

type itemResponse struct {
	ItemID            string           `json:"item_id"`
	SourceType        string           `json:"source_type"`
	SourceName        string           `json:"source_name"`
	ActionsApplied    []string         `json:"actions_applied"`
	FreshnessCounters map[string]int64 `json:"freshness_counters,omitempty"`
	LastProcessed     time.Time        `json:"last_processed"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

func newItemResponse(r *state.Record) itemResponse {
	return itemResponse{
		ItemID:            r.ItemID,
		SourceType:        r.SourceType,
		SourceName:        r.SourceName,
		ActionsApplied:    r.ActionsApplied,
		FreshnessCounters: r.FreshnessCounters,
		LastProcessed:     r.LastProcessed,
		Metadata:          r.Metadata,
	}
}
