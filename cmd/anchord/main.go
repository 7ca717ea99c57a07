// Command anchord serves the AnchorService gRPC API in front of a CometBFT node or an
// HTTP anchoring function, so API replicas share one chain client.
package main

import (
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agritrace.org/internal/anchor"
	"agritrace.org/internal/obs"
)

func main() {
	var (
		listen   = flag.String("listen", envOr("AGRITRACE_ANCHORD_LISTEN", ":9091"), "gRPC listen address")
		backend  = flag.String("backend", envOr("AGRITRACE_ANCHORD_BACKEND", "cometbft"), "cometbft or http")
		endpoint = flag.String("endpoint", envOr("AGRITRACE_ANCHORD_ENDPOINT", "http://localhost:26657"), "Backend endpoint")
		network  = flag.String("network", envOr("AGRITRACE_ANCHORD_NETWORK", ""), "Network name reported in receipts")
	)
	flag.Parse()

	var a anchor.Anchorer
	switch *backend {
	case "cometbft":
		c, err := anchor.NewCometAnchorer(*endpoint, *network)
		if err != nil {
			log.Fatalf("cometbft: %v", err)
		}
		a = c
	case "http":
		a = anchor.NewHTTPAnchorer(*endpoint, *network, anchor.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	anchor.RegisterAnchorServer(srv, anchor.NewGateway(a))
	hs := health.NewServer()
	hs.SetServingStatus(anchor.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		obs.Info("anchord shutting down", nil)
		hs.Shutdown()
		srv.GracefulStop()
	}()

	obs.Info("anchord listening", map[string]any{"addr": *listen, "backend": *backend, "endpoint": *endpoint})
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		log.Fatalf("serve: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
