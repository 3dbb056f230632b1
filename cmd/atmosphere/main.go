package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/npurcella/atmosphere/internal/cloud"
	"github.com/npurcella/atmosphere/internal/config"
	"github.com/npurcella/atmosphere/internal/core/database"
	"github.com/npurcella/atmosphere/internal/history"
	"github.com/npurcella/atmosphere/internal/metrics"
	"github.com/npurcella/atmosphere/internal/middleware"
	"github.com/npurcella/atmosphere/internal/monitor/api"
	"github.com/npurcella/atmosphere/internal/monitor/enforcement"
	"github.com/npurcella/atmosphere/internal/monitor/reconcile"
	"github.com/npurcella/atmosphere/internal/plugins"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Info().Msg("Starting atmosphere monitor server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	middleware.ConfigureAuth(cfg.Server.Token)

	db, err := database.New(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	factory := cloud.NewOpenStackFactory(cloudCredentials(cfg))
	enfStore := enforcement.NewPgStore(db)

	pluginCfg, err := plugins.LoadConfig(cfg.Plugins.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load plugins config")
	}
	mergePluginDefaults(pluginCfg, &cfg.Plugins)
	registry := &plugins.Registry{Local: enfStore, Overrides: enfStore}
	machineValidator, err := registry.MachineValidator(pluginCfg.MachineValidator)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build machine validator")
	}
	userValidator, err := registry.UserValidator(pluginCfg.UserValidator)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build user validator")
	}
	overridePolicy, err := registry.OverridePolicy(pluginCfg.OverridePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build override policy")
	}

	ledger := history.NewLedger(history.NewPgStore(db), splitStatuses(cfg.Monitor.ActiveStatuses))
	monitor := reconcile.New(reconcile.NewPgStore(db), factory, machineValidator, ledger, reconcile.Config{
		Enforcing:       cfg.Monitor.Enforcing,
		MemberThreshold: cfg.Monitor.MemberThreshold,
	})
	enforcer := enforcement.New(enfStore, overridePolicy, userValidator,
		&enforcement.CloudRunner{Factory: openstackControllers{factory}}, cfg.Monitor.Enforcing)
	metricsSvc := metrics.NewService(metrics.NewPgStore(db), &metrics.RedisCache{Client: rdb})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconcile.StartScheduler(ctx, reconcile.Deps{
		Monitor:  monitor,
		Interval: parseDuration(cfg.Monitor.Interval, 30*time.Minute),
	})
	go enforcement.StartScheduler(ctx, enforcement.Deps{
		Enforcer: enforcer,
		Interval: parseDuration(cfg.Monitor.EnforceInterval, 15*time.Minute),
	})

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	api.NewApi(monitor, enforcer, metricsSvc, router)
	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start atmosphere monitor server failed.")
	}
	log.Info().Msg("atmosphere monitor server exit...")
}

// openstackControllers adapts the cloud factory to the enforcement
// controller seam; the concrete client carries the action methods.
type openstackControllers struct {
	factory *cloud.OpenStackFactory
}

func (f openstackControllers) ControllerFor(ctx context.Context, providerID int64) (enforcement.InstanceController, error) {
	return f.factory.ClientFor(ctx, providerID)
}

func cloudCredentials(cfg *config.Config) map[int64]cloud.OpenStackCredentials {
	creds := make(map[int64]cloud.OpenStackCredentials, len(cfg.Cloud.Providers))
	for _, p := range cfg.Cloud.Providers {
		creds[p.ProviderID] = cloud.OpenStackCredentials{
			AuthURL:     p.AuthURL,
			Username:    p.Username,
			Password:    p.Password,
			ProjectName: p.ProjectName,
			Domain:      p.Domain,
			ImageURL:    p.ImageURL,
			VolumeURL:   p.VolumeURL,
			ComputeURL:  p.ComputeURL,
		}
	}
	return creds
}

// mergePluginDefaults fills plugin selections missing from the YAML file
// with the top-level config values.
func mergePluginDefaults(fileCfg *plugins.FileConfig, pcfg *config.PluginsConfig) {
	if fileCfg.MachineValidator.Name == "" {
		fileCfg.MachineValidator.Name = pcfg.MachineValidator
	}
	if fileCfg.UserValidator.Name == "" {
		fileCfg.UserValidator.Name = pcfg.UserValidator
	}
	if fileCfg.UserValidator.Timeout == "" {
		fileCfg.UserValidator.Timeout = pcfg.ValidatorTimeout
	}
	if fileCfg.OverridePolicy.Name == "" {
		fileCfg.OverridePolicy.Name = pcfg.OverridePolicy
	}
}

func splitStatuses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
