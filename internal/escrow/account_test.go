package escrow_test

import (
	"EscrowVault/internal/escrow"
	"encoding/json"
	"testing"
)

func TestDeriveSubaccount_Deterministic(t *testing.T) {
	a := escrow.DeriveSubaccount("owner-1", "budget-1")
	b := escrow.DeriveSubaccount("owner-1", "budget-1")
	if a != b {
		t.Error("same (owner, id) must derive the same subaccount")
	}
}

func TestDeriveSubaccount_IsolatesEntities(t *testing.T) {
	a := escrow.DeriveSubaccount("owner-1", "budget-1")
	b := escrow.DeriveSubaccount("owner-1", "budget-2")
	c := escrow.DeriveSubaccount("owner-2", "budget-1")
	if a == b || a == c {
		t.Error("different entities must derive different subaccounts")
	}
}

func TestDeriveSubaccount_KnownVector(t *testing.T) {
	// Keccak-256 of the empty input
	got := escrow.DeriveSubaccount("", "").String()
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEscrowAccount_OwnedByService(t *testing.T) {
	acct := escrow.EscrowAccount("vault-svc", "owner-1", "goal-1")
	if acct.Owner != "vault-svc" {
		t.Errorf("owner: got %s, want vault-svc", acct.Owner)
	}
	if acct.Subaccount == nil {
		t.Fatal("escrow account must carry a subaccount")
	}
	if *acct.Subaccount != escrow.DeriveSubaccount("owner-1", "goal-1") {
		t.Error("subaccount mismatch")
	}
}

func TestSubaccountFromBytes(t *testing.T) {
	if s, err := escrow.SubaccountFromBytes(nil); err != nil || s != nil {
		t.Errorf("empty input: got %v, %v", s, err)
	}
	if _, err := escrow.SubaccountFromBytes(make([]byte, 31)); err == nil {
		t.Error("expected error for short subaccount")
	}
	if s, err := escrow.SubaccountFromBytes(make([]byte, 32)); err != nil || s == nil {
		t.Errorf("32 bytes: got %v, %v", s, err)
	}
}

func TestAssetKind_Decimals(t *testing.T) {
	if escrow.AssetKindCkBtc.Decimals() != 8 {
		t.Error("CkBtc should have 8 decimals")
	}
	if escrow.AssetKindCkEth.Decimals() != 18 {
		t.Error("CkEth should have 18 decimals")
	}
}

func TestAssetKind_JSON(t *testing.T) {
	var k escrow.AssetKind
	if err := json.Unmarshal([]byte(`"CkEth"`), &k); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if k != escrow.AssetKindCkEth {
		t.Errorf("got %v, want CkEth", k)
	}
	if err := json.Unmarshal([]byte(`"Doge"`), &k); err == nil {
		t.Error("expected error for unknown asset kind")
	}
}
