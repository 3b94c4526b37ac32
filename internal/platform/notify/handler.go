package notify

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the manager's state over HTTP.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications")
	g.GET("/stats", h.GetStats)
	g.GET("/subscriptions/:tenant", h.ListSubscriptions)
}

func (h *Handler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mgr.Stats())
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	subs, err := h.mgr.Subscriptions(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		if errors.Is(err, ErrUnknownTenant) {
			return echo.NewHTTPError(http.StatusNotFound, "tenant not found")
		}
		h.mgr.logger.Error().Err(err).Str("tenant", c.Param("tenant")).Msg("failed to list subscriptions")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list subscriptions")
	}

	entries := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		entry := sub.ToFHIR()
		// channel parameters commonly carry credentials
		delete(entry, "parameter")
		st := sub.Snapshot()
		if !st.LastCommunication.IsZero() {
			entry["lastCommunication"] = st.LastCommunication
		}
		entry["maxEventNumberSent"] = st.MaxEventNumberSent
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tenant":        c.Param("tenant"),
		"total":         len(entries),
		"subscriptions": entries,
	})
}
