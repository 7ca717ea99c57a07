package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

type fakeBroadcaster struct {
	txs    []cmttypes.Tx
	result *coretypes.ResultBroadcastTxCommit
	err    error
}

func (f *fakeBroadcaster) BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*coretypes.ResultBroadcastTxCommit, error) {
	f.txs = append(f.txs, tx)
	return f.result, f.err
}

func TestCometAnchorer(t *testing.T) {
	fb := &fakeBroadcaster{result: &coretypes.ResultBroadcastTxCommit{Hash: []byte{0xde, 0xad}, Height: 77}}
	a := NewCometAnchorerWithClient(fb, "")
	rec, err := a.Anchor(context.Background(), Request{CredentialID: "c1", CredentialHash: "h1"})
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if rec.TxHash != "dead" || rec.BlockNumber != 77 || rec.Network != "cometbft" || rec.CredentialHash != "h1" || rec.AnchoredAt.IsZero() {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
	var tx cometAnchorTx
	if err := json.Unmarshal(fb.txs[0], &tx); err != nil {
		t.Fatalf("decode tx: %v", err)
	}
	if tx.Type != cometTxType || tx.CredentialID != "c1" || tx.CredentialHash != "h1" {
		t.Fatalf("unexpected tx: %+v", tx)
	}
}

func TestCometAnchorerRejected(t *testing.T) {
	res := &coretypes.ResultBroadcastTxCommit{}
	res.CheckTx.Code = 3
	res.CheckTx.Log = "duplicate"
	a := NewCometAnchorerWithClient(&fakeBroadcaster{result: res}, "testnet")
	if _, err := a.Anchor(context.Background(), Request{CredentialID: "c", CredentialHash: "h"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	res = &coretypes.ResultBroadcastTxCommit{}
	res.TxResult.Code = 1
	a = NewCometAnchorerWithClient(&fakeBroadcaster{result: res}, "testnet")
	if _, err := a.Anchor(context.Background(), Request{CredentialID: "c", CredentialHash: "h"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for tx result, got %v", err)
	}

	a = NewCometAnchorerWithClient(&fakeBroadcaster{err: errors.New("connection refused")}, "testnet")
	if _, err := a.Anchor(context.Background(), Request{CredentialID: "c", CredentialHash: "h"}); err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
