package anchor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC anchoring service.
	ServiceName  = "agritrace.anchor.v1.AnchorService"
	anchorMethod = "/" + ServiceName + "/Anchor"

	idempotencyHeader = "idempotency-key"
)

// AnchorServer is the server side of the gRPC anchoring service. Messages are
// google.protobuf.Struct with the same keys as the HTTP function.
type AnchorServer interface {
	Anchor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var anchorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AnchorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Anchor", Handler: anchorHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agritrace/anchor/v1/anchor.proto",
}

func anchorHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnchorServer).Anchor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: anchorMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnchorServer).Anchor(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAnchorServer registers srv on a gRPC server.
func RegisterAnchorServer(s grpc.ServiceRegistrar, srv AnchorServer) {
	s.RegisterService(&anchorServiceDesc, srv)
}

// GRPCAnchorer calls a remote AnchorService.
type GRPCAnchorer struct {
	conn    *grpc.ClientConn
	network string
}

// DialGRPC creates a client with insecure transport unless opts are given.
func DialGRPC(target, network string, opts ...grpc.DialOption) (*GRPCAnchorer, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCAnchorer{conn: conn, network: network}, nil
}

// Close closes the underlying connection.
func (g *GRPCAnchorer) Close() error {
	if g == nil || g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

func (g *GRPCAnchorer) Anchor(ctx context.Context, r Request) (Receipt, error) {
	req, err := structpb.NewStruct(map[string]any{
		"credential_id":   r.CredentialID,
		"credential_hash": r.CredentialHash,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("build anchor request: %w", err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, idempotencyHeader, r.CredentialID)
	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, anchorMethod, req, resp); err != nil {
		return Receipt{}, mapGRPCError(err)
	}
	rec, err := receiptFromStruct(resp)
	if err != nil {
		return Receipt{}, err
	}
	if rec.Network == "" {
		rec.Network = g.network
	}
	return rec, nil
}

func mapGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
		return fmt.Errorf("%w: %s", ErrRejected, st.Message())
	default:
		return err
	}
}

func receiptFromStruct(s *structpb.Struct) (Receipt, error) {
	f := s.GetFields()
	rec := Receipt{
		TxHash:         strings.TrimSpace(f["tx_hash"].GetStringValue()),
		Network:        f["network"].GetStringValue(),
		BlockNumber:    int64(f["block_number"].GetNumberValue()),
		CredentialHash: f["credential_hash"].GetStringValue(),
	}
	if rec.TxHash == "" {
		return Receipt{}, fmt.Errorf("%w: tx_hash missing", ErrBadReceipt)
	}
	if ts := f["anchored_at"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: anchored_at: %v", ErrBadReceipt, err)
		}
		rec.AnchoredAt = t
	}
	return rec, nil
}

func receiptToStruct(r Receipt) (*structpb.Struct, error) {
	m := map[string]any{
		"tx_hash":         r.TxHash,
		"network":         r.Network,
		"block_number":    float64(r.BlockNumber),
		"credential_hash": r.CredentialHash,
	}
	if !r.AnchoredAt.IsZero() {
		m["anchored_at"] = r.AnchoredAt.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(m)
}

// Gateway serves AnchorService by delegating to another Anchorer.
type Gateway struct {
	backend Anchorer
}

var _ AnchorServer = (*Gateway)(nil)

// NewGateway wraps backend.
func NewGateway(backend Anchorer) *Gateway { return &Gateway{backend: backend} }

func (g *Gateway) Anchor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	r := Request{
		CredentialID:   strings.TrimSpace(f["credential_id"].GetStringValue()),
		CredentialHash: strings.TrimSpace(f["credential_hash"].GetStringValue()),
	}
	if r.CredentialID == "" || r.CredentialHash == "" {
		return nil, status.Error(codes.InvalidArgument, "credential_id and credential_hash are required")
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if keys := md.Get(idempotencyHeader); len(keys) > 0 && keys[0] != r.CredentialID {
			return nil, status.Error(codes.InvalidArgument, "idempotency key does not match credential_id")
		}
	}
	rec, err := g.backend.Anchor(ctx, r)
	if err != nil {
		switch {
		case errors.Is(err, ErrRejected):
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		default:
			return nil, status.Error(codes.Unavailable, err.Error())
		}
	}
	out, err := receiptToStruct(rec)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
