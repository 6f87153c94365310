package transfer

import (
	"errors"
	"testing"
)

func TestDecodeReply(t *testing.T) {
	r, err := decodeReply([]byte(`{"block_index":42,"fee":"10"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.BlockIndex != 42 || r.Fee == nil || r.Fee.String() != "10" {
		t.Errorf("unexpected reply: %+v", r)
	}

	_, err = decodeReply([]byte(`{"error":"InsufficientAllowance"}`))
	if !errors.Is(err, ErrLedgerRejected) {
		t.Errorf("got %v, want ErrLedgerRejected", err)
	}

	if _, err := decodeReply([]byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestNATSClient_Subjects(t *testing.T) {
	c := NewNATSClient(nil, "", 0)
	if got := c.subject(OpTransferFrom); got != "ledger.icrc.transfer_from" {
		t.Errorf("got %s", got)
	}
}
