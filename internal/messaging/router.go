package messaging

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// DefaultTurnConcurrency bounds how many conversations are processed at once.
const DefaultTurnConcurrency = 16

// TurnHandler processes one turn. *flow.Engine satisfies it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn models.Turn) (*flow.TurnResult, error)
}

// Compile-time check that the engine can be routed to.
var _ TurnHandler = (*flow.Engine)(nil)

// TurnRouter feeds turns from a Service to a TurnHandler and sends the
// replies back. Turns of one conversation are handled in arrival order;
// different conversations run in parallel up to the concurrency limit.
type TurnRouter struct {
	svc         Service
	handler     TurnHandler
	apology     string
	concurrency int

	mu      sync.Mutex
	backlog map[string][]models.Turn // present key = conversation in flight
}

// RouterOption configures a TurnRouter.
type RouterOption func(*TurnRouter)

// WithConcurrency overrides DefaultTurnConcurrency.
func WithConcurrency(n int) RouterOption {
	return func(r *TurnRouter) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithApology sets the reply sent when a turn fails. Empty sends nothing.
func WithApology(text string) RouterOption {
	return func(r *TurnRouter) { r.apology = text }
}

// NewTurnRouter creates a router between svc and handler.
func NewTurnRouter(svc Service, handler TurnHandler, opts ...RouterOption) *TurnRouter {
	r := &TurnRouter{
		svc:         svc,
		handler:     handler,
		concurrency: DefaultTurnConcurrency,
		backlog:     make(map[string][]models.Turn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run routes turns until the service closes its turns channel or ctx is
// done, then waits for in-flight conversations.
func (r *TurnRouter) Run(ctx context.Context) error {
	slog.Info("TurnRouter.Run: starting", "concurrency", r.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	turns := r.svc.Turns()
	receipts := r.svc.Receipts()
	for {
		select {
		case <-ctx.Done():
			slog.Info("TurnRouter.Run: stopping")
			return g.Wait()
		case receipt, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("TurnRouter.Run: receipt", "to", receipt.To, "status", receipt.Status)
		case turn, ok := <-turns:
			if !ok {
				slog.Info("TurnRouter.Run: turns channel closed")
				return g.Wait()
			}
			if r.enqueue(turn) {
				continue
			}
			g.Go(func() error {
				r.drain(gctx, turn)
				return nil
			})
		}
	}
}

// enqueue reports true if turn was queued behind an in-flight turn of the
// same conversation.
func (r *TurnRouter) enqueue(turn models.Turn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if queued, busy := r.backlog[turn.ConversationID]; busy {
		r.backlog[turn.ConversationID] = append(queued, turn)
		return true
	}
	r.backlog[turn.ConversationID] = nil
	return false
}

// drain handles turn and then every turn queued behind it.
func (r *TurnRouter) drain(ctx context.Context, turn models.Turn) {
	for {
		r.dispatch(ctx, turn)

		r.mu.Lock()
		queued := r.backlog[turn.ConversationID]
		if len(queued) == 0 {
			delete(r.backlog, turn.ConversationID)
			r.mu.Unlock()
			return
		}
		turn = queued[0]
		r.backlog[turn.ConversationID] = queued[1:]
		r.mu.Unlock()
	}
}

func (r *TurnRouter) dispatch(ctx context.Context, turn models.Turn) {
	result, err := r.handler.HandleTurn(ctx, turn)
	if err != nil {
		slog.Error("TurnRouter.dispatch: turn failed", "conversationID", turn.ConversationID,
			"messageID", turn.MessageID, "error", err)
		if r.apology != "" {
			r.send(ctx, turn, r.apology)
		}
		return
	}
	for _, reply := range result.Replies {
		if !r.send(ctx, turn, reply) {
			return
		}
	}
}

func (r *TurnRouter) send(ctx context.Context, turn models.Turn, body string) bool {
	if err := r.svc.SendMessage(ctx, turn.Address(), body); err != nil {
		slog.Error("TurnRouter.send: reply not delivered", "conversationID", turn.ConversationID, "error", err)
		return false
	}
	return true
}
