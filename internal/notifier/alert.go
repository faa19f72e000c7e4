package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
)

// Alert reports a site changing state.
type Alert struct {
	Site     string        `json:"site"`
	URL      string        `json:"url"`
	State    string        `json:"state"`
	Previous string        `json:"previous,omitempty"`
	Status   int           `json:"status,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Key identifies an alert for dedup: same site, same transition.
func (a Alert) Key() string { return a.Site + "|" + a.Previous + ">" + a.State }

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type Func func(ctx context.Context, a Alert) error

func (f Func) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// FormatHTML renders a in Telegram's HTML parse mode.
func FormatHTML(a Alert) string {
	icon := "🔴"
	if a.State == "up" {
		icon = "🟢"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> is %s", icon, html.EscapeString(a.Site), strings.ToUpper(html.EscapeString(a.State)))
	if a.Previous != "" {
		fmt.Fprintf(&b, " (was %s)", html.EscapeString(a.Previous))
	}
	b.WriteString("\n")
	b.WriteString(html.EscapeString(a.URL))
	if a.Status > 0 {
		fmt.Fprintf(&b, "\nstatus: %d", a.Status)
	}
	if a.Latency > 0 {
		fmt.Fprintf(&b, "\nlatency: %s", a.Latency.Round(time.Millisecond))
	}
	if a.Error != "" {
		fmt.Fprintf(&b, "\nerror: <code>%s</code>", html.EscapeString(a.Error))
	}
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "\n<i>%s</i>", a.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}
