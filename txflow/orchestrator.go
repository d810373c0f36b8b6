// Package txflow drives the on-chain operations of a disperse session
// (approve, deny, disperseEther, disperseToken) through their
// signing/confirming lifecycle.
package txflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"disperse/contracts"
	"disperse/observability"
	"disperse/recipients"
)

// Action names an orchestrated operation.
type Action string

const (
	ActionDisperseEther Action = "disperseEther"
	ActionDisperseToken Action = "disperseToken"
	ActionApprove       Action = "approve"
	ActionDeny          Action = "deny"
)

// Status is the lifecycle position of an operation.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSigning    Status = "signing"
	StatusConfirming Status = "confirming"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool { return s == StatusSuccess || s == StatusError }

// Wallet signs, broadcasts and confirms transactions for the connected account.
type Wallet interface {
	SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// AllowanceReader reports the sender's current allowance of token for spender.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error)
}

// Request describes one operation.
type Request struct {
	Action     Action
	Recipients []recipients.Recipient
	Token      common.Address
	Contract   common.Address
	// Simple routes token disperses through disperseTokenSimple.
	Simple bool
}

// Operation is the observable record of an executed request.
type Operation struct {
	ID          string      `json:"id"`
	Action      Action      `json:"action"`
	Status      Status      `json:"status"`
	TxHash      common.Hash `json:"tx_hash,omitempty"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	Error       string      `json:"error,omitempty"`
	Recipients  int         `json:"recipients,omitempty"`
	Total       string      `json:"total,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Observer receives every status change. It runs synchronously on the
// executing goroutine and must not block.
type Observer func(Operation)

const defaultHistory = 32

// Orchestrator executes requests against a Wallet and records their lifecycle.
type Orchestrator struct {
	wallet    Wallet
	allowance AllowanceReader
	logger    *slog.Logger
	metrics   *observability.TxMetrics
	events    *observability.DispersalMetrics
	tracer    trace.Tracer
	now       func() time.Time
	limit     int

	mu        sync.Mutex
	observers []Observer
	history   []Operation
	inflight  sync.WaitGroup
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithAllowanceReader enables the allowance pre-check for token disperses.
func WithAllowanceReader(r AllowanceReader) Option {
	return func(o *Orchestrator) { o.allowance = r }
}

// WithObserver registers an observer at construction.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.TxMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// WithHistory bounds the number of remembered operations.
func WithHistory(n int) Option {
	return func(o *Orchestrator) { o.limit = n }
}

// New constructs an orchestrator submitting through wallet.
func New(wallet Wallet, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		wallet:  wallet,
		logger:  slog.Default(),
		metrics: observability.Tx(),
		events:  observability.Dispersals(),
		tracer:  otel.Tracer("disperse/txflow"),
		now:     time.Now,
		limit:   defaultHistory,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limit <= 0 {
		o.limit = defaultHistory
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Observe registers an additional observer.
func (o *Orchestrator) Observe(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

type prepared struct {
	to    common.Address
	data  []byte
	value *big.Int
	total *big.Int
}

// Execute validates req, then signs, broadcasts and waits for it. The returned
// Operation is in a terminal state whenever the request passed validation;
// validation failures return a zero Operation and the error.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Operation, error) {
	p, err := o.prepare(ctx, req)
	if err != nil {
		return Operation{}, err
	}
	op := o.begin(req, p)
	return o.run(ctx, op, p)
}

// Start validates req and runs it in the background. The returned Operation
// is in the signing state; progress is reported to observers.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Operation, error) {
	p, err := o.prepare(ctx, req)
	if err != nil {
		return Operation{}, err
	}
	op := o.begin(req, p)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		_, _ = o.run(ctx, op, p)
	}()
	return op, nil
}

// Wait blocks until all background operations have finished.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Operations returns remembered operations, newest last.
func (o *Orchestrator) Operations() []Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Operation(nil), o.history...)
}

// Operation returns the remembered operation with id.
func (o *Orchestrator) Operation(id string) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].ID == id {
			return o.history[i], true
		}
	}
	return Operation{}, false
}

// Latest returns the most recent operation for action, or an idle placeholder.
func (o *Orchestrator) Latest(action Action) Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].Action == action {
			return o.history[i]
		}
	}
	return Operation{Action: action, Status: StatusIdle}
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (prepared, error) {
	if req.Contract == (common.Address{}) {
		return prepared{}, ErrNoContract
	}
	switch req.Action {
	case ActionDisperseEther:
		total, err := checkedTotal(req.Recipients)
		if err != nil {
			return prepared{}, err
		}
		data, err := contracts.PackDisperseEther(recipients.Addresses(req.Recipients), recipients.Values(req.Recipients))
		if err != nil {
			return prepared{}, err
		}
		return prepared{to: req.Contract, data: data, value: total, total: total}, nil

	case ActionDisperseToken:
		if req.Token == (common.Address{}) {
			return prepared{}, ErrNoToken
		}
		total, err := checkedTotal(req.Recipients)
		if err != nil {
			return prepared{}, err
		}
		if o.allowance != nil {
			allowance, err := o.allowance.Allowance(ctx, req.Token, req.Contract)
			if err != nil {
				return prepared{}, fmt.Errorf("txflow: read allowance: %w", err)
			}
			if allowance == nil || allowance.Cmp(total) < 0 {
				return prepared{}, ErrInsufficientAllowance
			}
		}
		pack := contracts.PackDisperseToken
		if req.Simple {
			pack = contracts.PackDisperseTokenSimple
		}
		data, err := pack(req.Token, recipients.Addresses(req.Recipients), recipients.Values(req.Recipients))
		if err != nil {
			return prepared{}, err
		}
		return prepared{to: req.Contract, data: data, total: total}, nil

	case ActionApprove, ActionDeny:
		if req.Token == (common.Address{}) {
			return prepared{}, ErrNoToken
		}
		amount := new(big.Int)
		if req.Action == ActionApprove {
			amount = contracts.MaxUint256()
		}
		data, err := contracts.PackApprove(req.Contract, amount)
		if err != nil {
			return prepared{}, err
		}
		return prepared{to: req.Token, data: data}, nil

	default:
		return prepared{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

func checkedTotal(rs []recipients.Recipient) (*big.Int, error) {
	if len(rs) == 0 {
		return nil, ErrNoRecipients
	}
	total := recipients.Total(rs)
	if _, overflow := uint256.FromBig(total); overflow {
		return nil, ErrTotalOverflow
	}
	return total, nil
}

func (o *Orchestrator) begin(req Request, p prepared) Operation {
	now := o.now()
	op := Operation{
		ID:         uuid.NewString(),
		Action:     req.Action,
		Status:     StatusSigning,
		Recipients: len(req.Recipients),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if p.total != nil {
		op.Total = p.total.String()
	}
	o.record(op)
	return op
}

func (o *Orchestrator) run(ctx context.Context, op Operation, p prepared) (Operation, error) {
	ctx, span := o.tracer.Start(ctx, "txflow."+string(op.Action),
		trace.WithAttributes(
			attribute.String("operation_id", op.ID),
			attribute.Int("recipients", op.Recipients),
		))
	defer span.End()

	fail := func(err error) (Operation, error) {
		op.Status = StatusError
		op.Error = ShortMessage(err)
		op.UpdatedAt = o.now()
		o.record(op)
		span.RecordError(err)
		span.SetStatus(codes.Error, op.Error)
		o.metrics.ObserveDuration(string(op.Action), op.UpdatedAt.Sub(op.StartedAt), err)
		o.logger.Warn("transaction failed",
			slog.String("operation_id", op.ID),
			slog.String("action", string(op.Action)),
			slog.String("reason", op.Error),
			slog.Any("error", err))
		return op, err
	}

	hash, err := o.wallet.SendTransaction(ctx, p.to, p.data, p.value)
	if err != nil {
		return fail(err)
	}
	op.TxHash = hash
	op.Status = StatusConfirming
	op.UpdatedAt = o.now()
	o.record(op)
	span.SetAttributes(attribute.String("tx_hash", hash.Hex()))

	receipt, err := o.wallet.WaitMined(ctx, hash)
	if err != nil {
		return fail(err)
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return fail(&RevertError{TxHash: hash})
	}
	if receipt.BlockNumber != nil {
		op.BlockNumber = receipt.BlockNumber.Uint64()
	}
	op.Status = StatusSuccess
	op.UpdatedAt = o.now()
	o.record(op)
	o.metrics.ObserveDuration(string(op.Action), op.UpdatedAt.Sub(op.StartedAt), nil)
	if op.Action == ActionDisperseEther || op.Action == ActionDisperseToken {
		o.events.RecordDispersal(string(op.Action), op.Recipients)
	}
	o.logger.Info("transaction confirmed",
		slog.String("operation_id", op.ID),
		slog.String("action", string(op.Action)),
		slog.String("tx_hash", hash.Hex()),
		slog.Uint64("block", op.BlockNumber))
	return op, nil
}

func (o *Orchestrator) record(op Operation) {
	o.mu.Lock()
	replaced := false
	for i := range o.history {
		if o.history[i].ID == op.ID {
			o.history[i] = op
			replaced = true
			break
		}
	}
	if !replaced {
		o.history = append(o.history, op)
		if len(o.history) > o.limit {
			o.history = append([]Operation(nil), o.history[len(o.history)-o.limit:]...)
		}
	}
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()

	o.metrics.RecordTransition(string(op.Action), string(op.Status))
	for _, fn := range observers {
		fn(op)
	}
}
