package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/IntakePipe/internal/api"
	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/messaging"
	"github.com/BTreeMap/IntakePipe/internal/registration"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/IntakePipe/internal/whatsapp"
)

// transport is an opened messaging service plus its teardown.
type transport struct {
	svc    messaging.Service
	twilio *messaging.TwilioService // set when the webhook must be mounted
	close  func()
}

// openTransport connects the transport named by cfg.Transport. It returns
// nil for TransportNone.
func openTransport(ctx context.Context, cfg *Config) (*transport, error) {
	switch cfg.Transport {
	case TransportWhatsApp:
		if store.DetectDSNType(cfg.WhatsAppDSN) == "sqlite3" {
			if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create state directory %s: %w", cfg.StateDir, err)
			}
		}
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if cfg.QRCodeOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QRCodeOutput))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, err
		}
		return &transport{svc: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil

	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		var validator *twiliowhatsapp.SignatureValidator
		if cfg.TwilioWebhookURL != "" {
			validator = twiliowhatsapp.NewSignatureValidator(cfg.TwilioAuthToken, cfg.TwilioWebhookURL)
		}
		svc := messaging.NewTwilioService(client, validator)
		return &transport{svc: svc, twilio: svc, close: func() {}}, nil
	}
	return nil, nil
}

// runServe runs the HTTP API, the configured transport and the retry job
// runner until ctx is cancelled or one of them fails.
func runServe(ctx context.Context, cfg *Config) error {
	b, err := openBackend(ctx, cfg, "serve")
	if err != nil {
		return err
	}
	defer b.Close()

	if err := requireRetryQueue(cfg, b); err != nil {
		return err
	}

	client, err := newRegistrationClient(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine, err := newEngine(cfg, b, client, reg)
	if err != nil {
		return err
	}

	tr, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithGatherer(reg)}
	for name, check := range b.checks {
		apiOpts = append(apiOpts, api.WithHealthCheck(name, check))
	}
	if b.jobs != nil {
		apiOpts = append(apiOpts, api.WithJobRepo(b.jobs))
	}
	if tr != nil && tr.twilio != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(tr.twilio))
	}
	server := api.NewServer(engine, apiOpts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.APIAddr)
	})

	if b.jobs != nil {
		runner := store.NewJobRunner(b.jobs, 0)
		runner.RegisterHandler(registration.JobKind, registration.RetryHandler(client))
		if err := runner.RecoverStaleJobs(); err != nil {
			slog.Warn("runServe: stale job recovery failed", "error", err)
		}
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}

	if tr != nil {
		defer tr.close()
		if err := startRouter(gctx, g, tr.svc, engine, cfg.TurnConcurrency); err != nil {
			return abortGroup(cancel, g, err)
		}
	}

	slog.Info("runServe: IntakePipe ready", "api_addr", cfg.APIAddr, "transport", cfg.Transport,
		"registration_endpoint", client.Endpoint())
	return g.Wait()
}

// abortGroup stops everything already running in g and returns err once
// those goroutines have exited.
func abortGroup(cancel context.CancelFunc, g *errgroup.Group, err error) error {
	cancel()
	if werr := g.Wait(); werr != nil {
		slog.Warn("abortGroup: shutdown error", "error", werr)
	}
	return err
}

// startRouter starts svc and routes its turns to engine inside g. The
// service is stopped when ctx is done.
func startRouter(ctx context.Context, g *errgroup.Group, svc messaging.Service, engine *flow.Engine, concurrency int) error {
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	router := messaging.NewTurnRouter(svc, engine,
		messaging.WithConcurrency(concurrency),
		messaging.WithApology(engine.Catalog().TurnFailed))
	g.Go(func() error {
		return router.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return svc.Stop()
	})
	return nil
}
