package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

type TelegramConfig struct {
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec float64 // default 1
	APIURL     string  // empty means api.telegram.org
}

// Telegram sends alerts to one chat (and optional forum thread).
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline skips getMe; the bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Client:  &http.Client{Timeout: 15 * time.Second},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Telegram{
		bot:      b,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		log:      log.With(logx.String("comp", "notifier.telegram")),
	}, nil
}

// Notify sends a. Flood-control replies come back as engine.RetryAfter errors
// and client errors as engine.NoRetry so a job wrapper retries only what can
// succeed.
func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, FormatHTML(a), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	})
	if err == nil {
		t.log.Debug("alert sent", logx.String("site", a.Site), logx.String("state", a.State))
		return nil
	}
	return classifySendError(err)
}

func classifySendError(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return engine.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return engine.RetryAfter(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
		return engine.NoRetry(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}
