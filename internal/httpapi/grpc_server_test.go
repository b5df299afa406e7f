package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, h *GRPCHealth) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	h.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = listener.Close()
	})
	return conn
}

func TestGRPCHealthTracksReadiness(t *testing.T) {
	quietLogs(t)
	var dbErr error
	checks := ReadyProbe{{Name: "postgres", Fn: func(context.Context) error { return dbErr }}}
	h := NewGRPCHealth(checks)
	client := healthpb.NewHealthClient(startBufGRPC(t, h))
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before the first readiness check, got %v", resp.GetStatus())
	}

	if !h.Probe(ctx) {
		t.Fatal("readiness should pass")
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}

	dbErr = errors.New("connection refused")
	if h.Probe(ctx) {
		t.Fatal("readiness should fail")
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}

func TestGRPCHealthRunStopsOnCancel(t *testing.T) {
	quietLogs(t)
	h := NewGRPCHealth(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, 0)
		close(done)
	}()
	cancel()
	<-done
}
