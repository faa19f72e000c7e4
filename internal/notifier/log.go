package notifier

import (
	"context"

	logx "sitechecker/pkg/logx"
)

// Log writes alerts to the logger at warn (down) or info (up).
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "notifier.log"))}
}

func (l *Log) Notify(_ context.Context, a Alert) error {
	fields := []logx.Field{
		logx.String("site", a.Site),
		logx.String("url", a.URL),
		logx.String("state", a.State),
		logx.String("previous", a.Previous),
		logx.Int("status", a.Status),
		logx.Duration("latency", a.Latency),
	}
	if a.Error != "" {
		fields = append(fields, logx.String("error", a.Error))
	}
	if a.State == "up" {
		l.log.Info("site recovered", fields...)
	} else {
		l.log.Warn("site down", fields...)
	}
	return nil
}
