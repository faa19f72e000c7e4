package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sitechecker/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ and log fields
// describing the new values. Secrets are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Boot, newCfg.Boot) {
		changed = append(changed, "boot")
		fields = append(fields, logx.String("boot.source", newCfg.Boot.Source))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			fields = append(fields, logx.Int("task_engine.workers", te.Workers), logx.Int("task_engine.queue_size", te.QueueSize))
		}
	}
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		fields = append(fields, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			fields = append(fields, logx.String("storage.driver", s.Driver))
		}
	}
	if !reflect.DeepEqual(oldCfg.Checks, newCfg.Checks) {
		changed = append(changed, "checks")
		fields = append(fields, logx.Int("checks.sites", len(newCfg.Checks.Sites)))
	}

	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	oldTok, newTok := oldN.Telegram.Token != "", newN.Telegram.Token != ""
	oldN.Telegram.Token, newN.Telegram.Token = "", ""
	if !reflect.DeepEqual(oldN, newN) || oldCfg.Notifier.Telegram.Token != newCfg.Notifier.Telegram.Token {
		changed = append(changed, "notifier")
		fields = append(fields,
			logx.Bool("notifier.telegram.enabled", newN.Telegram.Enabled),
			logx.Bool("notifier.telegram.token_set", newTok),
			logx.Bool("notifier.telegram.token_was_set", oldTok),
		)
	}

	oldA, newA := oldCfg.Admin, newCfg.Admin
	oldA.Token, newA.Token = "", ""
	if !reflect.DeepEqual(oldA, newA) || oldCfg.Admin.Token != newCfg.Admin.Token {
		changed = append(changed, "admin")
		fields = append(fields,
			logx.Bool("admin.enabled", newA.Enabled),
			logx.String("admin.addr", AdminAddr(newA)),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, fields
}
