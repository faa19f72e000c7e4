package app

import (
	"strings"
	"time"

	"sitechecker/internal/admin"
	"sitechecker/internal/config"
	"sitechecker/internal/notifier"
	"sitechecker/internal/sitecheck"
	"sitechecker/internal/storage"
	"sitechecker/internal/task/engine"
	"sitechecker/internal/task/scheduler"
	logx "sitechecker/pkg/logx"
)

// The mappers below run on configs that already passed config.Validate, so
// duration parse errors cannot happen and MustDuration only fills defaults.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{Enabled: true}
	te := cfg.TaskEngine
	if te == nil {
		return ec
	}
	if te.Enabled != nil {
		ec.Enabled = *te.Enabled
	}
	ec.Workers = te.Workers
	ec.QueueSize = te.QueueSize
	ec.HistorySize = te.HistorySize
	ec.RetryMax = te.RetryMax
	ec.CircuitTripFailures = te.CircuitTripFailures
	ec.DefaultTimeout = config.MustDuration(te.DefaultTimeout, 0)
	ec.MaxQueueDelay = config.MustDuration(te.MaxQueueDelay, 0)
	return ec
}

// mapSchedulerConfig ties the scheduler to the engine: triggers without
// workers would only pile up errors.
func mapSchedulerConfig(cfg *config.Config, eng engine.Config) scheduler.Config {
	return scheduler.Config{Enabled: eng.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, 0),
	}
}

type bootSettings struct {
	source       string
	initialDelay time.Duration
	systemdPoll  time.Duration
	taskType     string
}

func mapBootConfig(cfg *config.Config) bootSettings {
	b := bootSettings{
		source:       strings.ToLower(strings.TrimSpace(cfg.Boot.Source)),
		initialDelay: config.MustDuration(cfg.Boot.InitialDelay, 0),
		systemdPoll:  config.MustDuration(cfg.Boot.SystemdPoll, 2*time.Second),
		taskType:     strings.TrimSpace(cfg.Boot.TaskType),
	}
	if b.source == "" {
		b.source = config.BootSourceStartup
	}
	if b.taskType == "" {
		b.taskType = sitecheck.TaskInitialize
	}
	return b
}

func mapCheckerConfig(cfg *config.Config) sitecheck.CheckerConfig {
	c := cfg.Checks
	return sitecheck.CheckerConfig{
		Timeout:    config.MustDuration(c.Timeout, 10*time.Second),
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
		UserAgent:  c.UserAgent,
	}
}

// mapSites returns the enabled sites and the default interval.
func mapSites(cfg *config.Config) ([]sitecheck.Site, string) {
	def := strings.TrimSpace(cfg.Checks.DefaultInterval)
	if def == "" {
		def = "5m"
	}
	sites := make([]sitecheck.Site, 0, len(cfg.Checks.Sites))
	for _, s := range cfg.Checks.Sites {
		if !s.IsEnabled() {
			continue
		}
		sites = append(sites, sitecheck.Site{
			Name:         strings.TrimSpace(s.Name),
			URL:          strings.TrimSpace(s.URL),
			Method:       s.Method,
			Interval:     strings.TrimSpace(s.Interval),
			Timeout:      config.MustDuration(s.Timeout, 0),
			ExpectStatus: append([]int(nil), s.ExpectStatus...),
		})
	}
	return sites, def
}

func notifyRecovery(cfg *config.Config) bool {
	return cfg.Notifier.NotifyRecovery == nil || *cfg.Notifier.NotifyRecovery
}

func mapTelegramConfig(cfg *config.Config) notifier.TelegramConfig {
	tg := cfg.Notifier.Telegram
	return notifier.TelegramConfig{
		Token:      strings.TrimSpace(tg.Token),
		ChatID:     tg.ChatID,
		ThreadID:   tg.ThreadID,
		RatePerSec: tg.RatePerSec,
		APIURL:     tg.APIURL,
	}
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	a := cfg.Admin
	return admin.Config{
		Enabled:       a.Enabled,
		Addr:          config.AdminAddr(a),
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   config.MustDuration(a.ReadTimeout, 15*time.Second),
		WriteTimeout:  config.MustDuration(a.WriteTimeout, 0),
		IdleTimeout:   config.MustDuration(a.IdleTimeout, 60*time.Second),
	}
}
