package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/backend"
	"github.com/clinicware/syncd/internal/schema"
	"github.com/clinicware/syncd/internal/shared/types"
	"github.com/clinicware/syncd/internal/shellcache"
)

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	r.GET("/ws", s.hub.HandleConnection)

	api := r.Group("/api")
	{
		api.POST("/shell/install", s.handleShellInstall)
		api.POST("/shell/activate", s.handleShellActivate)

		data := api.Group("/data/:collection")
		{
			data.POST("", s.handleInsert)
			data.POST("/upsert", s.handleUpsert)
			data.PATCH("", s.handleUpdate)
			data.POST("/delete", s.handleDelete)
			data.GET("", s.handleSelect)
			data.GET("/range", s.handleSelectRange)
			data.POST("/subscribe", s.handleSubscribe)
			data.DELETE("/subscribe", s.handleUnsubscribe)
		}
		api.POST("/rpc/:proc", s.handleCall)

		api.GET("/mode", s.handleGetMode)
		api.POST("/mode", s.handleSetMode)

		api.POST("/bus/emit", s.handleBusEmit)
		api.GET("/bus/debug", s.handleBusDebug)

		api.POST("/push", s.handlePush)
		api.GET("/notify", s.handleNotifyList)
		api.POST("/notify", s.handleNotifyShow)
		api.POST("/notify/click", s.handleNotifyClick)
		api.POST("/notify/dismiss", s.handleNotifyDismiss)

		api.POST("/seed/test", s.handleSeed(s.seeder.SeedTestData))
		api.POST("/seed/test/clear", s.handleSeed(s.seeder.ClearTestData))
		api.POST("/seed/pharmacy", s.handleSeed(s.seeder.SeedPharmacyData))
		api.POST("/seed/pharmacy/clear", s.handleSeed(s.seeder.ClearPharmacyData))
	}

	// Everything else is a shell fetch: cached content serves immediately
	// and revalidates in the background.
	r.NoRoute(s.handleShellFetch)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"mode":    string(s.manager.Mode()),
		"windows": s.hub.Count(),
		"uptime":  s.metrics.Uptime().String(),
	})
}

// --- shell ---

func (s *Server) handleShellInstall(c *gin.Context) {
	manifest, err := shellcache.LoadManifest(s.cfg.Shell.Manifest)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	stored, err := s.shell.Install(c.Request.Context(), manifest)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": stored, "manifest": len(manifest.Assets)})
}

func (s *Server) handleShellActivate(c *gin.Context) {
	pruned, err := s.shell.Activate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "pruned": pruned})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}

func (s *Server) handleShellFetch(c *gin.Context) {
	resp, err := s.shell.HandleFetch(c.Request.Context(), c.Request.Method, c.Request.URL.String())
	if err != nil {
		// Non-GET and cross-origin requests are not ours to answer.
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Header("X-Shell-Source", resp.Source)
	c.Data(resp.Status, resp.ContentType, resp.Body)
}

// --- data plane ---

func (s *Server) handleInsert(c *gin.Context) {
	coll := c.Param("collection")
	var row types.Row
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a row object"})
		return
	}
	db := s.manager.Current()
	inserted, err := db.Insert(c.Request.Context(), coll, row)
	if err != nil {
		s.dataError(c, db.Name(), "insert", err)
		return
	}
	s.metrics.RecordBackendOp(db.Name(), "insert", "ok")
	s.bus.Emit("db:"+coll, map[string]interface{}{"op": "insert"})
	c.JSON(http.StatusCreated, gin.H{"row": inserted})
}

func (s *Server) handleUpsert(c *gin.Context) {
	coll := c.Param("collection")
	var req struct {
		Rows         []types.Row `json:"rows"`
		ConflictKeys []string    `json:"conflict_keys"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Rows) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry rows"})
		return
	}
	db := s.manager.Current()
	rows, err := db.Upsert(c.Request.Context(), coll, req.Rows, req.ConflictKeys)
	if err != nil {
		s.dataError(c, db.Name(), "upsert", err)
		return
	}
	s.metrics.RecordBackendOp(db.Name(), "upsert", "ok")
	s.bus.Emit("db:"+coll, map[string]interface{}{"op": "upsert", "count": len(rows)})
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *Server) handleUpdate(c *gin.Context) {
	coll := c.Param("collection")
	var req struct {
		Match types.Filter `json:"match"`
		Patch types.Row    `json:"patch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry match and patch"})
		return
	}
	db := s.manager.Current()
	rows, err := db.Update(c.Request.Context(), coll, req.Match, req.Patch)
	if err != nil {
		s.dataError(c, db.Name(), "update", err)
		return
	}
	s.metrics.RecordBackendOp(db.Name(), "update", "ok")
	s.bus.Emit("db:"+coll, map[string]interface{}{"op": "update", "count": len(rows)})
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *Server) handleDelete(c *gin.Context) {
	coll := c.Param("collection")
	var req struct {
		Match types.Filter `json:"match"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Match) == 0 {
		// Unconditional deletes are always a bug upstream.
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry a non-empty match"})
		return
	}
	db := s.manager.Current()
	count, err := db.Remove(c.Request.Context(), coll, req.Match)
	if err != nil {
		s.dataError(c, db.Name(), "remove", err)
		return
	}
	s.metrics.RecordBackendOp(db.Name(), "remove", "ok")
	s.bus.Emit("db:"+coll, map[string]interface{}{"op": "remove", "count": count})
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

func (s *Server) handleSelect(c *gin.Context) {
	coll := c.Param("collection")
	entry, _ := schema.Resolve(coll)
	filters := make(types.Filter)
	var columns []string
	for key, vals := range c.Request.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		if key == "columns" {
			columns = strings.Split(vals[0], ",")
			continue
		}
		filters[key] = coerceQueryValue(entry, key, vals[0])
	}
	db := s.manager.Current()
	rows, err := db.SelectWhere(c.Request.Context(), coll, filters, columns)
	if err != nil {
		s.dataError(c, db.Name(), "select", err)
		return
	}
	s.metrics.RecordBackendOp(db.Name(), "select", "ok")
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// coerceQueryValue retypes a query-string filter against a number-valued
// column so equality matches the stored numeric form. Unknown collections
// and string columns pass through; the backend reports its own errors.
func coerceQueryValue(entry *schema.Collection, key, val string) interface{} {
	if entry == nil || !entry.IsNumeric(schema.NormalizeColumn(key)) {
		return val
	}
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return val
}

func (s *Server) handleSelectRange(c *gin.Context) {
	coll := c.Param("collection")
	column := c.Query("column")
	from := c.Query("from")
	to := c.Query("to")
	if column == "" || from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "column, from and to are required"})
		return
	}
	var columns []string
	if sel := c.Query("columns"); sel != "" {
		columns = strings.Split(sel, ",")
	}
	db := s.manager.Current()
	rows, err := db.SelectRange(c.Request.Context(), coll, column, from, to, columns)
	if err != nil {
		s.dataError(c, db.Name(), "select_range", err)
		return
	}
	s.metrics.RecordBackendOp(db.Name(), "select_range", "ok")
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *Server) handleCall(c *gin.Context) {
	proc := c.Param("proc")
	var params map[string]interface{}
	if err := c.ShouldBindJSON(&params); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "params must be an object"})
		return
	}
	db := s.manager.Current()
	result, err := db.Call(c.Request.Context(), proc, params)
	if err != nil {
		s.dataError(c, db.Name(), "call", err)
		return
	}
	s.metrics.RecordBackendOp(db.Name(), "call", "ok")
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// openSubscription opens a row-level change stream for the collection and
// republishes each change on the bus, so every attached window observes it
// as a pulse. One stream per collection.
func (s *Server) openSubscription(coll string) (already bool, err error) {
	if _, err := schema.Resolve(coll); err != nil {
		return false, err
	}

	s.mu.Lock()
	_, exists := s.subs[coll]
	s.mu.Unlock()
	if exists {
		return true, nil
	}

	db := s.manager.Current()
	sub, err := db.Subscribe(coll, func(change backend.Change) {
		s.bus.Emit("db:"+coll, map[string]interface{}{
			"op":   strings.ToLower(change.Kind),
			"row":  change.Row,
			"old":  change.Old,
			"push": true,
		})
	})
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.subs[coll] = sub
	s.mu.Unlock()
	return false, nil
}

func (s *Server) handleSubscribe(c *gin.Context) {
	coll := c.Param("collection")
	already, err := s.openSubscription(coll)
	if err != nil {
		if strings.Contains(err.Error(), "unknown collection") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.dataError(c, s.manager.Current().Name(), "subscribe", err)
		return
	}
	if already {
		c.JSON(http.StatusOK, gin.H{"subscribed": coll, "already": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": coll})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	coll := c.Param("collection")
	s.mu.Lock()
	sub, ok := s.subs[coll]
	delete(s.subs, coll)
	s.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	c.JSON(http.StatusOK, gin.H{"unsubscribed": coll, "was_active": ok})
}

// dataError maps data-plane failures onto HTTP statuses and counts them.
func (s *Server) dataError(c *gin.Context, backendName, op string, err error) {
	s.metrics.RecordBackendOp(backendName, op, "error")
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, backend.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, backend.ErrNotConfigured):
		status = http.StatusConflict
	case strings.Contains(err.Error(), "unknown collection"),
		strings.Contains(err.Error(), "unknown column"):
		status = http.StatusBadRequest
	}
	s.logger.Warn("data operation failed",
		zap.String("backend", backendName), zap.String("op", op), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

// --- backend mode ---

func (s *Server) handleGetMode(c *gin.Context) {
	mode := s.manager.Mode()
	c.JSON(http.StatusOK, gin.H{
		"mode":    string(mode),
		"enabled": mode == types.ModeRemote,
	})
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry mode"})
		return
	}
	next, err := s.manager.SetMode(c.Request.Context(), types.Mode(req.Mode))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, backend.ErrNotConfigured) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": next.Name()})
}

// --- bus ---

func (s *Server) handleBusEmit(c *gin.Context) {
	var req struct {
		Event   string      `json:"evt"`
		Payload interface{} `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry evt"})
		return
	}
	msg := s.bus.Emit(req.Event, req.Payload)
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (s *Server) handleBusDebug(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.Debug())
}

// --- notifications ---

func (s *Server) handlePush(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	n := s.notify.HandlePush(raw)
	c.JSON(http.StatusOK, gin.H{"notification": n})
}

func (s *Server) handleNotifyList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": s.notify.Active()})
}

func (s *Server) handleNotifyShow(c *gin.Context) {
	var req types.NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a notification request"})
		return
	}
	n := s.notify.ShowLocal(req)
	c.JSON(http.StatusOK, gin.H{"notification": n})
}

func (s *Server) handleNotifyClick(c *gin.Context) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry tag"})
		return
	}
	c.JSON(http.StatusOK, s.notify.OnClick(req.Tag))
}

func (s *Server) handleNotifyDismiss(c *gin.Context) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry tag"})
		return
	}
	s.notify.Dismiss(req.Tag)
	c.JSON(http.StatusOK, gin.H{"dismissed": req.Tag})
}

// --- seed ---

func (s *Server) handleSeed(fn func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
