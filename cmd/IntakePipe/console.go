package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/BTreeMap/IntakePipe/internal/messaging"
	"github.com/BTreeMap/IntakePipe/internal/util"
)

// runConsole holds one conversation on in and out. Failed submissions that
// were queued are retried by the next serve process sharing the database.
func runConsole(ctx context.Context, cfg *Config, conversationID string, in io.Reader, out io.Writer) error {
	b, err := openBackend(ctx, cfg, "console")
	if err != nil {
		return err
	}
	defer b.Close()

	client, err := newRegistrationClient(cfg)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, b, client, nil)
	if err != nil {
		return err
	}

	if conversationID == "" {
		conversationID = util.GenerateConsoleConversationID()
	}
	slog.Info("runConsole: starting conversation", "conversationID", conversationID)

	svc := messaging.NewConsoleService(conversationID, in, out)
	router := messaging.NewTurnRouter(svc, engine,
		messaging.WithConcurrency(1),
		messaging.WithApology(engine.Catalog().TurnFailed))
	if err := svc.Start(ctx); err != nil {
		return err
	}
	return router.Run(ctx)
}
