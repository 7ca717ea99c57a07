package anchor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

const cometTxType = "agritrace/credential-anchor"

// Broadcaster is the subset of the CometBFT RPC client used for anchoring.
type Broadcaster interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*coretypes.ResultBroadcastTxCommit, error)
}

// CometAnchorer commits credential hashes as CometBFT transactions.
type CometAnchorer struct {
	client  Broadcaster
	network string
	now     func() time.Time
}

// NewCometAnchorer connects to a CometBFT RPC endpoint such as http://localhost:26657.
func NewCometAnchorer(rpcAddr, network string) (*CometAnchorer, error) {
	client, err := cmthttp.NewWithClient(rpcAddr, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("create CometBFT client: %w", err)
	}
	return NewCometAnchorerWithClient(client, network), nil
}

// NewCometAnchorerWithClient uses an existing broadcaster.
func NewCometAnchorerWithClient(client Broadcaster, network string) *CometAnchorer {
	if network == "" {
		network = "cometbft"
	}
	return &CometAnchorer{client: client, network: network, now: time.Now}
}

type cometAnchorTx struct {
	Type           string `json:"type"`
	CredentialID   string `json:"credential_id"`
	CredentialHash string `json:"credential_hash"`
}

func (c *CometAnchorer) Anchor(ctx context.Context, r Request) (Receipt, error) {
	payload, err := json.Marshal(cometAnchorTx{Type: cometTxType, CredentialID: r.CredentialID, CredentialHash: r.CredentialHash})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal anchor tx: %w", err)
	}
	res, err := c.client.BroadcastTxCommit(ctx, cmttypes.Tx(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("broadcast anchor tx: %w", err)
	}
	if res.CheckTx.Code != 0 {
		return Receipt{}, fmt.Errorf("%w: CheckTx code %d: %s", ErrRejected, res.CheckTx.Code, strings.TrimSpace(res.CheckTx.Log))
	}
	if res.TxResult.Code != 0 {
		return Receipt{}, fmt.Errorf("%w: tx result code %d: %s", ErrRejected, res.TxResult.Code, strings.TrimSpace(res.TxResult.Log))
	}
	return Receipt{
		TxHash:         hex.EncodeToString(res.Hash),
		Network:        c.network,
		BlockNumber:    res.Height,
		AnchoredAt:     c.now().UTC(),
		CredentialHash: r.CredentialHash,
	}, nil
}
