package boot

import "time"

// Well-known broadcast actions. The values are opaque identifiers shared with
// the clients that deliver them.
const (
	ActionBootCompleted = "android.intent.action.BOOT_COMPLETED"
	ActionScreenOn      = "android.intent.action.SCREEN_ON"
	ActionShutdown      = "android.intent.action.ACTION_SHUTDOWN"
)

// Event is a system-delivered notification.
type Event struct {
	Action string            `json:"action"`
	Source string            `json:"source,omitempty"`
	At     time.Time         `json:"at"`
	Extras map[string]string `json:"extras,omitempty"`
}

// ActionOf returns the event action, or "" for a nil event.
func ActionOf(ev *Event) string {
	if ev == nil {
		return ""
	}
	return ev.Action
}
