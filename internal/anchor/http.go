package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxReceiptBytes = 1 << 20

// HTTPAnchorer calls a serverless anchoring function over JSON.
type HTTPAnchorer struct {
	endpoint   string
	network    string
	httpClient *http.Client
}

// HTTPOption configures an HTTPAnchorer.
type HTTPOption func(*HTTPAnchorer)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAnchorer) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// NewHTTPAnchorer creates an anchorer posting to endpoint. network is reported when the
// function does not name one.
func NewHTTPAnchorer(endpoint, network string, opts ...HTTPOption) *HTTPAnchorer {
	a := &HTTPAnchorer{
		endpoint: strings.TrimRight(endpoint, "/"),
		network:  network,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type httpAnchorRequest struct {
	CredentialID   string `json:"credential_id"`
	CredentialHash string `json:"credential_hash"`
}

type httpAnchorResponse struct {
	TxHash         string    `json:"tx_hash"`
	Network        string    `json:"network"`
	BlockNumber    int64     `json:"block_number"`
	AnchoredAt     time.Time `json:"anchored_at"`
	CredentialHash string    `json:"credential_hash"`
}

func (a *HTTPAnchorer) Anchor(ctx context.Context, r Request) (Receipt, error) {
	body, err := json.Marshal(httpAnchorRequest{CredentialID: r.CredentialID, CredentialHash: r.CredentialHash})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal anchor request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", r.CredentialID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send anchor request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReceiptBytes))
	if err != nil {
		return Receipt{}, fmt.Errorf("read anchor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err := fmt.Errorf("anchor function returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if permanentStatus(resp.StatusCode) {
			return Receipt{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return Receipt{}, err
	}

	var out httpAnchorResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrBadReceipt, err)
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return Receipt{}, fmt.Errorf("%w: tx_hash missing", ErrBadReceipt)
	}
	rec := Receipt{
		TxHash:         out.TxHash,
		Network:        out.Network,
		BlockNumber:    out.BlockNumber,
		AnchoredAt:     out.AnchoredAt,
		CredentialHash: out.CredentialHash,
	}
	if rec.Network == "" {
		rec.Network = a.network
	}
	return rec, nil
}

// permanentStatus treats client errors as final except timeouts and rate limiting.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
