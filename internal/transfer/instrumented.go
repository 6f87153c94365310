package transfer

import (
	"context"
	"time"

	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/observability"

	"github.com/rs/zerolog"
)

// Instrumented wraps a Collaborator with call metrics and debug logging.
type Instrumented struct {
	next    Collaborator
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewInstrumented(next Collaborator, metrics *observability.Metrics, logger zerolog.Logger) *Instrumented {
	return &Instrumented{next: next, metrics: metrics, logger: logger}
}

func (i *Instrumented) observe(op Op, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if i.metrics != nil {
		i.metrics.TransferCalls.WithLabelValues(string(op), result).Inc()
		i.metrics.TransferDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}
}

func (i *Instrumented) Transfer(ctx context.Context, args TransferArgs) (Receipt, error) {
	start := time.Now()
	r, err := i.next.Transfer(ctx, args)
	i.observe(OpTransfer, start, err)

	i.logger.Debug().
		Str("asset", args.Asset).
		Str("to", args.To.AccountPath()).
		Str("amount", args.Amount.String()).
		Str("memo", args.Memo).
		Err(err).
		Msg("transfer")
	return r, err
}

func (i *Instrumented) TransferFrom(ctx context.Context, args TransferFromArgs) (Receipt, error) {
	start := time.Now()
	r, err := i.next.TransferFrom(ctx, args)
	i.observe(OpTransferFrom, start, err)

	i.logger.Debug().
		Str("asset", args.Asset).
		Str("from", args.From.AccountPath()).
		Str("to", args.To.AccountPath()).
		Str("amount", args.Amount.String()).
		Str("memo", args.Memo).
		Err(err).
		Msg("transfer_from")
	return r, err
}

func (i *Instrumented) Fee(ctx context.Context, asset string) (fpmath.Amount, error) {
	start := time.Now()
	fee, err := i.next.Fee(ctx, asset)
	i.observe(OpFee, start, err)
	return fee, err
}
