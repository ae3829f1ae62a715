package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/posync/internal/api"
	"github.com/matheus3301/posync/internal/config"
	"github.com/matheus3301/posync/internal/lock"
	"github.com/matheus3301/posync/internal/status"
)

// sessionDir returns a short directory to stay under the 104-char unix
// socket path limit on macOS.
func sessionDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "posync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return app
}

func stopApp(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func unixClient(socket string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
}

func getStatus(t *testing.T, c *http.Client) api.StatusResponse {
	t.Helper()
	resp, err := c.Get("http://posyncd/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status code = %d: %s", resp.StatusCode, body)
	}
	var out api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDaemonOfflineLifecycle(t *testing.T) {
	dir := sessionDir(t)
	p := Params{SessionName: "test", Dir: dir, Quiet: true}
	app := startApp(t, p)

	c := unixClient(p.socketPath())
	st := getStatus(t, c)
	if st.Session != "test" {
		t.Errorf("session = %q, want test", st.Session)
	}
	if st.State != status.Offline {
		t.Errorf("state = %s, want OFFLINE", st.State)
	}

	// The ledger works without a provider.
	sale := `{"items":[{"name":"rice","quantity":1,"unit_price":"12"}],"amount_paid":"12","method":"cash"}`
	resp, err := c.Post("http://posyncd/api/receipts", "application/json", strings.NewReader(sale))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST /api/receipts = %d, want 201", resp.StatusCode)
	}

	// Messaging is not.
	resp, err = c.Post("http://posyncd/api/sync", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("POST /api/sync = %d, want 503", resp.StatusCode)
	}

	conn, err := grpc.NewClient("unix://"+p.healthSocketPath(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	hc := healthpb.NewHealthClient(conn)

	overall, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if overall.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall health = %v, want SERVING", overall.Status)
	}
	msg, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: MessagingService})
	if err != nil {
		t.Fatalf("Check(%s): %v", MessagingService, err)
	}
	if msg.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("messaging health = %v, want NOT_SERVING", msg.Status)
	}

	stopApp(t, app)

	for _, path := range []string{p.socketPath(), p.healthSocketPath(), filepath.Join(dir, lock.FileName)} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still exists after stop", path)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "local.db")); err != nil {
		t.Errorf("local store missing: %v", err)
	}
}

// TestDaemonAuthRequiredWithoutToken verifies that a session configured for
// pub/sub but lacking an API token waits in AUTH_REQUIRED instead of BOOTING.
func TestDaemonAuthRequiredWithoutToken(t *testing.T) {
	dir := sessionDir(t)
	p := Params{
		SessionName: "test",
		Dir:         dir,
		Quiet:       true,
		Config: config.Session{
			PubSub: config.PubSub{PublishKey: "pub", SubscribeKey: "sub"},
		},
	}
	app := startApp(t, p)
	defer stopApp(t, app)

	if st := getStatus(t, unixClient(p.socketPath())); st.State != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", st.State)
	}
}

func TestDaemonRejectsHeldLock(t *testing.T) {
	dir := sessionDir(t)
	held, err := lock.Acquire(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	app := fx.New(Module(Params{SessionName: "test", Dir: dir, Quiet: true}), fx.NopLogger)
	err = app.Err()
	if err == nil {
		t.Fatal("expected startup to fail while the lock is held")
	}
	var lhe *lock.LockHeldError
	if !errors.As(err, &lhe) {
		t.Fatalf("err = %v, want LockHeldError", err)
	}
	if lhe.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", lhe.PID, os.Getpid())
	}
}
