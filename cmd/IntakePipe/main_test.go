package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/IntakePipe/internal/lockfile"
	"github.com/BTreeMap/IntakePipe/internal/messaging"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/registration"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

var configEnv = []string{
	"INTAKEPIPE_STATE_DIR", "DATABASE_URL", "REDIS_URL", "SESSION_TTL", "API_ADDR",
	"REGISTRATION_API_URL", "API_URL", "REGISTRATION_TIMEOUT", "REGISTRATION_KEY_STYLE",
	"SUBMISSION_RETRY", "BOT_LANGUAGE", "MESSAGING_TRANSPORT", "TWILIO_ACCOUNT_SID",
	"TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL", "WHATSAPP_DB_DSN",
	"TURN_CONCURRENCY", "LOG_LEVEL",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := loadEnvironmentConfig()
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if cfg.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, cfg.StateDir)
	}
	if want := filepath.Join(DefaultStateDir, DefaultDBFileName); cfg.DatabaseURL != want {
		t.Errorf("Expected default DSN %q, got %q", want, cfg.DatabaseURL)
	}
	if want := "file:" + filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"; cfg.WhatsAppDSN != want {
		t.Errorf("Expected default WhatsApp DSN %q, got %q", want, cfg.WhatsAppDSN)
	}
	if cfg.APIAddr != ":8080" || cfg.Transport != TransportNone || cfg.Language != "de" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.RegistrationTimeout != registration.DefaultTimeout || !cfg.SubmissionRetry {
		t.Errorf("unexpected registration defaults: %+v", cfg)
	}
	if cfg.TurnConcurrency != messaging.DefaultTurnConcurrency {
		t.Errorf("unexpected turn concurrency %d", cfg.TurnConcurrency)
	}
}

func TestLoadEnvironmentConfigFromEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("INTAKEPIPE_STATE_DIR", "/srv/intake")
	t.Setenv("API_URL", "http://legacy:3000")
	t.Setenv("REGISTRATION_TIMEOUT", "3s")
	t.Setenv("SUBMISSION_RETRY", "off")
	t.Setenv("MESSAGING_TRANSPORT", "Twilio")
	t.Setenv("TURN_CONCURRENCY", "4")
	t.Setenv("SESSION_TTL", "24h")

	cfg := loadEnvironmentConfig()
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if cfg.RegistrationURL != "http://legacy:3000" {
		t.Errorf("API_URL should be the fallback registration URL, got %q", cfg.RegistrationURL)
	}
	if cfg.DatabaseURL != filepath.Join("/srv/intake", DefaultDBFileName) {
		t.Errorf("DSN should follow the state dir, got %q", cfg.DatabaseURL)
	}
	if cfg.RegistrationTimeout != 3*time.Second || cfg.SubmissionRetry || cfg.SessionTTL != 24*time.Hour {
		t.Errorf("unexpected parsed values: %+v", cfg)
	}
	if cfg.Transport != TransportTwilio || cfg.TurnConcurrency != 4 {
		t.Errorf("unexpected transport settings: %+v", cfg)
	}

	t.Setenv("REGISTRATION_API_URL", "https://users.example.com")
	if cfg := loadEnvironmentConfig(); cfg.RegistrationURL != "https://users.example.com" {
		t.Errorf("REGISTRATION_API_URL should win over API_URL, got %q", cfg.RegistrationURL)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DATABASE_URL", "/from/env.db")

	cfg := loadEnvironmentConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, &cfg)
	bindServeFlags(fs, &cfg)
	err := fs.Parse([]string{"--db-dsn", "memory", "--transport", "whatsapp", "--language", "en", "--api-addr", ":9090"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if !cfg.usesMemoryStore() || cfg.Transport != "whatsapp" || cfg.Language != "en" || cfg.APIAddr != ":9090" {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestResolveRejectsInvalidValues(t *testing.T) {
	cases := map[string]Config{
		"transport": {Transport: "carrier-pigeon", KeyStyle: "standard", Language: "de"},
		"key style": {Transport: "none", KeyStyle: "klingon", Language: "de"},
		"language":  {Transport: "none", KeyStyle: "standard", Language: "fr"},
	}
	for name, cfg := range cases {
		cfg.StateDir = t.TempDir()
		if err := cfg.resolve(); err == nil {
			t.Errorf("%s: expected resolve error", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MESSAGING_TRANSPORT", "carrier-pigeon")

	var out bytes.Buffer
	cmd := rootCmd(loadEnvironmentConfig())
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), appName+" version ") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestNewRegistrationClientRequiresURL(t *testing.T) {
	cfg := Config{KeyStyle: "standard"}
	if _, err := newRegistrationClient(&cfg); err == nil {
		t.Error("expected error without a registration URL")
	}
	cfg.RegistrationURL = "http://localhost:3000"
	client, err := newRegistrationClient(&cfg)
	if err != nil {
		t.Fatalf("newRegistrationClient failed: %v", err)
	}
	if client.Endpoint() != "http://localhost:3000/api/user" {
		t.Errorf("unexpected endpoint %q", client.Endpoint())
	}
}

type nopSubmitter struct{}

func (nopSubmitter) Submit(context.Context, models.RegistrationRequest) (*registration.Receipt, error) {
	return &registration.Receipt{StatusCode: 201}, nil
}

func TestOpenBackendMemory(t *testing.T) {
	cfg := Config{DatabaseURL: "memory", StateDir: t.TempDir(), Language: "en", SubmissionRetry: true}
	b, err := openBackend(context.Background(), &cfg, "test")
	if err != nil {
		t.Fatalf("openBackend failed: %v", err)
	}
	defer b.Close()

	if b.jobs != nil {
		t.Error("in-memory backend has no job repo")
	}
	engine, err := newEngine(&cfg, b, nopSubmitter{}, nil)
	if err != nil {
		t.Fatalf("newEngine failed: %v", err)
	}
	if engine.Catalog().Language != "en" {
		t.Errorf("expected English catalog, got %s", engine.Catalog().Language)
	}
}

func TestServeRequiresRetryQueue(t *testing.T) {
	cfg := Config{DatabaseURL: "memory", StateDir: t.TempDir(), SubmissionRetry: true}
	b, err := openBackend(context.Background(), &cfg, "test")
	if err != nil {
		t.Fatalf("openBackend failed: %v", err)
	}
	defer b.Close()

	if err := requireRetryQueue(&cfg, b); !errors.Is(err, ErrNoRetryQueue) {
		t.Errorf("memory store with retry: expected ErrNoRetryQueue, got %v", err)
	}
	cfg.SubmissionRetry = false
	if err := requireRetryQueue(&cfg, b); err != nil {
		t.Errorf("memory store without retry: %v", err)
	}

	dir := t.TempDir()
	sqlCfg := Config{StateDir: dir, DatabaseURL: filepath.Join(dir, DefaultDBFileName), SubmissionRetry: true}
	sb, err := openBackend(context.Background(), &sqlCfg, "test")
	if err != nil {
		t.Fatalf("openBackend(sqlite) failed: %v", err)
	}
	defer sb.Close()
	if err := requireRetryQueue(&sqlCfg, sb); err != nil {
		t.Errorf("sqlite store with retry: %v", err)
	}
}

// deadService fails to start.
type deadService struct{}

func (deadService) ValidateAndCanonicalizeRecipient(r string) (string, error) {
	return r, nil
}

func (deadService) SendMessage(context.Context, string, string) error {
	return nil
}

func (deadService) Start(context.Context) error {
	return errors.New("login refused")
}

func (deadService) Stop() error {
	return nil
}

func (deadService) Receipts() <-chan models.Receipt {
	return nil
}

func (deadService) Turns() <-chan models.Turn {
	return nil
}

func TestRouterStartFailureStopsGroup(t *testing.T) {
	cfg := Config{DatabaseURL: "memory", StateDir: t.TempDir(), Language: "de"}
	b, err := openBackend(context.Background(), &cfg, "test")
	if err != nil {
		t.Fatalf("openBackend failed: %v", err)
	}
	defer b.Close()
	engine, err := newEngine(&cfg, b, nopSubmitter{}, nil)
	if err != nil {
		t.Fatalf("newEngine failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	g.Go(func() error {
		<-gctx.Done()
		close(stopped)
		return nil
	})

	err = startRouter(gctx, g, deadService{}, engine, 1)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if got := abortGroup(cancel, g, err); got != err {
		t.Errorf("abortGroup returned %v, want %v", got, err)
	}
	select {
	case <-stopped:
	default:
		t.Error("running goroutines must have exited when abortGroup returns")
	}
}

func TestOpenBackendSQLiteLocksStateDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{StateDir: dir, DatabaseURL: filepath.Join(dir, DefaultDBFileName)}

	b, err := openBackend(context.Background(), &cfg, "serve")
	if err != nil {
		t.Fatalf("openBackend failed: %v", err)
	}
	if _, ok := b.jobs.(*store.SQLiteStore); !ok {
		t.Errorf("expected SQLite job repo, got %T", b.jobs)
	}
	if _, ok := b.checks["database"]; !ok {
		t.Error("expected a database health check")
	}

	_, err = openBackend(context.Background(), &cfg, "console")
	var lockErr *lockfile.LockError
	if !errors.As(err, &lockErr) {
		t.Errorf("second backend on the same state dir should fail with LockError, got %v", err)
	}

	b.Close()
	again, err := openBackend(context.Background(), &cfg, "console")
	if err != nil {
		t.Fatalf("reopen after close failed: %v", err)
	}
	again.Close()
}

func TestRunConsole(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		StateDir:            dir,
		DatabaseURL:         "memory",
		RegistrationURL:     "http://127.0.0.1:1",
		RegistrationTimeout: time.Second,
		KeyStyle:            "standard",
		Language:            "de",
	}
	var out bytes.Buffer
	err := runConsole(context.Background(), &cfg, "console_test", strings.NewReader("Max\n"), &out)
	if err != nil {
		t.Fatalf("runConsole failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 || !strings.Contains(lines[0], "Vorname") {
		t.Errorf("unexpected console transcript %q", out.String())
	}
}
