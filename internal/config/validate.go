package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"sitechecker/internal/task/scheduler"
	logx "sitechecker/pkg/logx"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Boot.Source)) {
	case "", BootSourceStartup, BootSourceSystemd, BootSourceNone:
	default:
		add(fmt.Errorf("boot.source: want %q, %q or %q, got %q", BootSourceStartup, BootSourceSystemd, BootSourceNone, cfg.Boot.Source))
	}
	dur("boot.initial_delay", cfg.Boot.InitialDelay)
	dur("boot.systemd_poll", cfg.Boot.SystemdPoll)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			add(errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	errs = append(errs, validateChecks(cfg.Checks)...)

	if tg := cfg.Notifier.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("notifier.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			add(errors.New("notifier.telegram.chat_id is required when enabled"))
		}
		if tg.RatePerSec < 0 {
			add(errors.New("notifier.telegram.rate_per_sec must be >= 0"))
		}
	}

	if a := cfg.Admin; a.Enabled {
		addr := AdminAddr(a)
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("admin.addr: %w", err))
		} else if !isLoopbackHost(host) && strings.TrimSpace(a.Token) == "" && !a.AllowInsecure {
			add(fmt.Errorf("admin.addr %q is not loopback; set admin.token or admin.allow_insecure", addr))
		}
		dur("admin.read_timeout", a.ReadTimeout)
		dur("admin.write_timeout", a.WriteTimeout)
		dur("admin.idle_timeout", a.IdleTimeout)
	}

	return errors.Join(errs...)
}

func validateChecks(c ChecksConfig) []error {
	var errs []error
	if _, err := ParseDurationField("checks.timeout", c.Timeout); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.DefaultInterval) != "" {
		if _, err := scheduler.ParseSchedule(c.DefaultInterval); err != nil {
			errs = append(errs, fmt.Errorf("checks.default_interval: %w", err))
		}
	}
	if c.RatePerSec < 0 || c.Burst < 0 {
		errs = append(errs, errors.New("checks.rate_per_sec and checks.burst must be >= 0"))
	}

	seen := make(map[string]struct{}, len(c.Sites))
	for i, s := range c.Sites {
		path := fmt.Sprintf("checks.sites[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", path, name))
		}
		seen[name] = struct{}{}

		u, err := url.Parse(strings.TrimSpace(s.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url %q must be an absolute http(s) URL", path, s.URL))
		}
		if strings.TrimSpace(s.Interval) != "" {
			if _, err := scheduler.ParseSchedule(s.Interval); err != nil {
				errs = append(errs, fmt.Errorf("%s.interval: %w", path, err))
			}
		}
		if _, err := ParseDurationField(path+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
		for _, code := range s.ExpectStatus {
			if code < 100 || code > 599 {
				errs = append(errs, fmt.Errorf("%s.expect_status: %d is not an HTTP status", path, code))
			}
		}
	}
	return errs
}

// AdminAddr returns the configured admin address or the loopback default.
func AdminAddr(a AdminConfig) string {
	if addr := strings.TrimSpace(a.Addr); addr != "" {
		return addr
	}
	return "127.0.0.1:8086"
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
