// Package api exposes the monitor over HTTP: manual pass triggers,
// enforcement runs, and cached application metrics.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/npurcella/atmosphere/internal/core/model"
	"github.com/npurcella/atmosphere/internal/metrics"
	"github.com/npurcella/atmosphere/internal/middleware"
	"github.com/npurcella/atmosphere/internal/monitor/enforcement"
	"github.com/npurcella/atmosphere/internal/monitor/reconcile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Reconciler is the slice of the reconciliation engine the API drives.
type Reconciler interface {
	ActiveProviders(ctx context.Context) ([]*model.Provider, error)
	PruneMachines(ctx context.Context, providerID int64, opts reconcile.MachineOpts) (*reconcile.PruneResult, error)
	MonitorMachines(ctx context.Context, providerID int64, opts reconcile.MachineOpts) ([]*model.ProviderMachine, error)
	MonitorVolumes(ctx context.Context, providerID int64) ([]string, error)
	MonitorSizes(ctx context.Context, providerID int64) ([]*model.Size, error)
	MonitorInstances(ctx context.Context, providerID int64, users []string) (int, error)
	MonitorResources(ctx context.Context, providerID int64) (*reconcile.Resources, error)
}

// EnforcementRunner runs one enforcement pass.
type EnforcementRunner interface {
	Monitor(ctx context.Context, usernames []string) (*enforcement.Report, error)
}

// MetricsProvider serves cached application metrics.
type MetricsProvider interface {
	ApplicationMetrics(ctx context.Context, appUUID string, force, readOnly bool) (*metrics.ApplicationMetrics, error)
}

type Api struct {
	reconciler Reconciler
	enforcer   EnforcementRunner
	metrics    MetricsProvider
	router     *gin.Engine
}

func NewApi(reconciler Reconciler, enforcer EnforcementRunner, metricsSvc MetricsProvider, router *gin.Engine) *Api {
	api := &Api{
		reconciler: reconciler,
		enforcer:   enforcer,
		metrics:    metricsSvc,
		router:     router,
	}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", middleware.Authentication)
	{
		monitor := v1.Group("/monitor")
		monitor.POST("/machines", api.postMachinesAll)
		monitor.POST("/machines/:provider_id", api.postMachines)
		monitor.POST("/volumes/:provider_id", api.postVolumes)
		monitor.POST("/sizes/:provider_id", api.postSizes)
		monitor.POST("/instances/:provider_id", api.postInstances)
		monitor.POST("/resources/:provider_id", api.postResources)

		v1.POST("/enforcement/run", api.postEnforcementRun)
		v1.GET("/applications/:uuid/metrics", api.getApplicationMetrics)
	}
}

type machineRequest struct {
	Validate      bool     `json:"validate"`
	DryRun        bool     `json:"dry_run"`
	ForcedRemoval bool     `json:"forced_removal"`
	LimitMachines []string `json:"limit_machines"`
}

func (r machineRequest) opts() reconcile.MachineOpts {
	return reconcile.MachineOpts{
		Validate:      r.Validate,
		DryRun:        r.DryRun,
		ForcedRemoval: r.ForcedRemoval,
		LimitMachines: r.LimitMachines,
	}
}

func providerID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("provider_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider id"})
		return 0, false
	}
	return id, true
}

// postMachinesAll fans the machine pass out over every active provider in
// the background and returns immediately.
func (api *Api) postMachinesAll(c *gin.Context) {
	var req machineRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	providers, err := api.reconciler.ActiveProviders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	opts := req.opts()
	go func() {
		ctx := context.Background()
		for _, p := range providers {
			if _, err := api.reconciler.PruneMachines(ctx, p.ID, opts); err != nil {
				log.Error().Err(err).Str("provider", p.Name).Msg("machine prune failed")
				continue
			}
			if _, err := api.reconciler.MonitorMachines(ctx, p.ID, opts); err != nil {
				log.Error().Err(err).Str("provider", p.Name).Msg("machine monitor failed")
			}
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"providers": len(providers)})
}

func (api *Api) postMachines(c *gin.Context) {
	id, ok := providerID(c)
	if !ok {
		return
	}
	var req machineRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pruned, err := api.reconciler.PruneMachines(c.Request.Context(), id, req.opts())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	machines, err := api.reconciler.MonitorMachines(c.Request.Context(), id, req.opts())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned, "machines": len(machines)})
}

func (api *Api) postVolumes(c *gin.Context) {
	id, ok := providerID(c)
	if !ok {
		return
	}
	seen, err := api.reconciler.MonitorVolumes(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"volumes": seen})
}

func (api *Api) postSizes(c *gin.Context) {
	id, ok := providerID(c)
	if !ok {
		return
	}
	sizes, err := api.reconciler.MonitorSizes(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sizes": len(sizes)})
}

type instanceRequest struct {
	Usernames []string `json:"usernames"`
}

func (api *Api) postInstances(c *gin.Context) {
	id, ok := providerID(c)
	if !ok {
		return
	}
	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	seen, err := api.reconciler.MonitorInstances(c.Request.Context(), id, req.Usernames)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": seen})
}

func (api *Api) postResources(c *gin.Context) {
	id, ok := providerID(c)
	if !ok {
		return
	}
	res, err := api.reconciler.MonitorResources(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"machines":  len(res.Machines),
		"volumes":   len(res.Volumes),
		"sizes":     len(res.Sizes),
		"instances": res.Instances,
	})
}

func (api *Api) postEnforcementRun(c *gin.Context) {
	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := api.enforcer.Monitor(c.Request.Context(), req.Usernames)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": report.Pairs, "enforced": report.Enforced()})
}

func (api *Api) getApplicationMetrics(c *gin.Context) {
	force := c.Query("force") == "true"
	readOnly := c.Query("read_only") == "true"
	appMetrics, err := api.metrics.ApplicationMetrics(c.Request.Context(), c.Param("uuid"), force, readOnly)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, appMetrics)
}
