package anchor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startBufAnchor(t *testing.T, backend Anchorer) *GRPCAnchorer {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	RegisterAnchorServer(server, NewGateway(backend))

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	client, err := DialGRPC("passthrough:///bufnet", "",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		server.GracefulStop()
		_ = client.Close()
		_ = listener.Close()
	})
	return client
}

func TestGRPCAnchorerRoundTrip(t *testing.T) {
	anchoredAt := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	var seen Request
	client := startBufAnchor(t, AnchorerFunc(func(ctx context.Context, r Request) (Receipt, error) {
		seen = r
		return Receipt{TxHash: "ABCD", Network: "cometbft-test", BlockNumber: 99, AnchoredAt: anchoredAt, CredentialHash: r.CredentialHash}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := client.Anchor(ctx, Request{CredentialID: "c1", CredentialHash: "h1"})
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if seen.CredentialID != "c1" || seen.CredentialHash != "h1" {
		t.Fatalf("backend saw %+v", seen)
	}
	if rec.TxHash != "ABCD" || rec.Network != "cometbft-test" || rec.BlockNumber != 99 || !rec.AnchoredAt.Equal(anchoredAt) {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
}

func TestGRPCAnchorerMapsRejection(t *testing.T) {
	client := startBufAnchor(t, AnchorerFunc(func(ctx context.Context, r Request) (Receipt, error) {
		return Receipt{}, ErrRejected
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Anchor(ctx, Request{CredentialID: "c1", CredentialHash: "h1"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if _, err := client.Anchor(ctx, Request{CredentialID: "c1"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for missing hash, got %v", err)
	}
}

func TestGRPCAnchorerTransientError(t *testing.T) {
	client := startBufAnchor(t, AnchorerFunc(func(ctx context.Context, r Request) (Receipt, error) {
		return Receipt{}, errors.New("node unreachable")
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Anchor(ctx, Request{CredentialID: "c1", CredentialHash: "h1"})
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
