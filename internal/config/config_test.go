package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
boot:
  source: systemd
  systemd_poll: 1s
checks:
  default_interval: 5m
  timeout: 10s
  sites:
    - name: home
      url: https://example.com/
      expect_status: [200, 204]
    - name: api
      url: http://127.0.0.1:8080/healthz
      interval: "*/2 * * * *"
storage:
  driver: sqlite
  path: ./state/sitechecker.db
admin:
  enabled: true
  addr: 127.0.0.1:8086
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("sitechecker.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Boot.Source != BootSourceSystemd || len(cfg.Checks.Sites) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := cfg.Checks.Sites[0].ExpectStatus; len(got) != 2 || got[1] != 204 {
		t.Fatalf("expect_status = %v", got)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"plugins":{}}`)); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
	if _, err := Decode("c.yml", []byte("checks:\n  sites:\n    - name: a\n      uri: http://x\n")); err == nil {
		t.Fatal("unknown nested key accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud"},
		Boot:    BootConfig{Source: "udev", InitialDelay: "soon"},
		Storage: &StorageConfig{Driver: "file"},
		Checks: ChecksConfig{Sites: []SiteConfig{
			{Name: "a", URL: "https://a.example"},
			{Name: "a", URL: "ftp://b.example"},
			{Name: "", URL: "https://c.example", Interval: "often", ExpectStatus: []int{42}},
		}},
		Notifier: NotifierConfig{Telegram: TelegramConfig{Enabled: true}},
		Admin:    AdminConfig{Enabled: true, Addr: "0.0.0.0:8086"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"logging.level", "boot.source", "boot.initial_delay", "storage.path",
		"duplicated", "sites[1].url", "sites[2].name", "sites[2].interval", "expect_status",
		"telegram.token", "telegram.chat_id", "admin.addr",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in:\n%s", want, msg)
		}
	}
}

func TestAdminNonLoopbackWithToken(t *testing.T) {
	cfg := &Config{Admin: AdminConfig{Enabled: true, Addr: "0.0.0.0:8086", Token: "s3cret"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("token should allow a public bind: %v", err)
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Notifier: NotifierConfig{Telegram: TelegramConfig{Token: "a"}}}
	newCfg := &Config{Notifier: NotifierConfig{Telegram: TelegramConfig{Token: "b"}}, Checks: ChecksConfig{Sites: []SiteConfig{{Name: "x"}}}}

	changed, fields := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "checks,notifier" {
		t.Fatalf("changed = %v", changed)
	}
	if len(fields) == 0 {
		t.Fatal("expected log fields")
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitechecker.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	write(`{"logging":{"level":"nope"}}`)
	select {
	case <-ch:
		t.Fatal("invalid config published")
	case <-time.After(800 * time.Millisecond):
	}

	write(`{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d := MustDuration("bad", time.Second); d != time.Second {
		t.Fatalf("MustDuration = %s", d)
	}
}
