package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	fpmath "EscrowVault/internal/math"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is where the ledger gateway listens:
// <prefix>.transfer, <prefix>.transfer_from, <prefix>.fee
const DefaultSubjectPrefix = "ledger.icrc"

// NATSClient talks to a token-ledger gateway over NATS request/reply.
type NATSClient struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

type feeRequest struct {
	Asset string `json:"asset"`
}

// reply is the gateway's answer to every request.
type reply struct {
	BlockIndex uint64         `json:"block_index,omitempty"`
	Fee        *fpmath.Amount `json:"fee,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ErrLedgerRejected wraps an error string returned by the ledger gateway.
var ErrLedgerRejected = errors.New("ledger rejected")

func NewNATSClient(nc *nats.Conn, prefix string, timeout time.Duration) *NATSClient {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATSClient{nc: nc, prefix: prefix, timeout: timeout}
}

func (c *NATSClient) subject(op Op) string {
	return fmt.Sprintf("%s.%s", c.prefix, op)
}

func (c *NATSClient) Transfer(ctx context.Context, args TransferArgs) (Receipt, error) {
	if args.IdempotencyKey == "" {
		args.IdempotencyKey = uuid.NewString()
	}
	r, err := c.request(ctx, OpTransfer, args)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{BlockIndex: r.BlockIndex}, nil
}

func (c *NATSClient) TransferFrom(ctx context.Context, args TransferFromArgs) (Receipt, error) {
	if args.IdempotencyKey == "" {
		args.IdempotencyKey = uuid.NewString()
	}
	r, err := c.request(ctx, OpTransferFrom, args)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{BlockIndex: r.BlockIndex}, nil
}

func (c *NATSClient) Fee(ctx context.Context, asset string) (fpmath.Amount, error) {
	r, err := c.request(ctx, OpFee, feeRequest{Asset: asset})
	if err != nil {
		return fpmath.Amount{}, err
	}
	if r.Fee == nil {
		return fpmath.Amount{}, fmt.Errorf("%w: fee missing from reply", ErrLedgerRejected)
	}
	return *r.Fee, nil
}

func (c *NATSClient) request(ctx context.Context, op Op, body interface{}) (reply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return reply{}, fmt.Errorf("marshal %s: %w", op, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject(op), data)
	if err != nil {
		return reply{}, fmt.Errorf("%s request: %w", op, err)
	}
	return decodeReply(msg.Data)
}

func decodeReply(data []byte) (reply, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return reply{}, fmt.Errorf("decode ledger reply: %w", err)
	}
	if r.Error != "" {
		return reply{}, fmt.Errorf("%w: %s", ErrLedgerRejected, r.Error)
	}
	return r, nil
}
