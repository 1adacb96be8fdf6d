// Package api is the read-only inspection surface of the store daemon.
package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

const defaultAuditLimit = 100

type Handler struct {
	Store   sdk.Store
	Journal audit.Journal
	Log     *zap.Logger
}

// Register mounts the inspection routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/personas", h.GetPersonas)
	g.GET("/personas/:persona/apps", h.GetApps)
	g.GET("/personas/:persona/apps/:app", h.GetAppStore)
	g.GET("/global/:app/:key", h.GetGlobal)
	g.GET("/users/:id", h.GetUser)
	g.GET("/withdrawals", h.ListWithdrawals)
	g.GET("/audit", h.RecentAudit)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, sdk.ErrPersonaNotFound) || errors.Is(err, sdk.ErrAppNotFound) || errors.Is(err, sdk.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if h.Log != nil {
		h.Log.Error("inspection request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *Handler) GetPersonas(c *gin.Context) {
	personas, err := h.Store.GetPersonas()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, personas)
}

func (h *Handler) GetApps(c *gin.Context) {
	apps, err := h.Store.GetApps(c.Param("persona"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, apps)
}

func (h *Handler) GetAppStore(c *gin.Context) {
	data, err := h.Store.GetAppStore(c.Param("persona"), c.Param("app"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if c.Param("app") == schema.AppWithdrawals {
		for k, w := range sdk.DecodeAll[schema.Withdrawal](data) {
			data[k] = redact(w)
		}
	}
	c.JSON(http.StatusOK, data)
}

func (h *Handler) GetGlobal(c *gin.Context) {
	val, persona, err := h.Store.GetGlobal(c.Param("app"), c.Param("key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"persona": persona,
		"value":   val,
	})
}

// GetUser returns a user's record together with its store version.
func (h *Handler) GetUser(c *gin.Context) {
	u, version, err := sdk.GetVersioned[schema.User](h.Store, c.Param("id"), schema.AppAccount, schema.AccountKey)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": version,
		"user":    u,
	})
}

// ListWithdrawals lists withdrawals across all users, oldest first.
// ?status= filters by lifecycle state.
func (h *Handler) ListWithdrawals(c *gin.Context) {
	status := schema.WithdrawalStatus(c.Query("status"))

	all, err := h.Store.DumpApp(schema.AppWithdrawals)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := []schema.Withdrawal{}
	for _, perUser := range all {
		for _, w := range sdk.DecodeAll[schema.Withdrawal](perUser) {
			if status != "" && w.Status != status {
				continue
			}
			out = append(out, redact(w))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	c.JSON(http.StatusOK, out)
}

func (h *Handler) RecentAudit(c *gin.Context) {
	if h.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit journal not configured"})
		return
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// redact hides sealed destinations; the daemon never holds the vault key.
func redact(w schema.Withdrawal) schema.Withdrawal {
	if w.Sealed {
		w.Destination = ""
	}
	return w
}
