//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/repositories"
)

const postgresImage = "postgres:16-alpine"

func TestRegistryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startPostgres(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dsn := fmt.Sprintf("postgres://workflow:workflow@%s/workflow_test?sslmode=disable", endpoint)
	pool := connectWithRetry(t, ctx, dsn, 30*time.Second)
	t.Cleanup(pool.Close)

	applySchema(t, ctx, pool)

	reg, err := NewRegistry(pool)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := domain.ProductionOrder{
		ID:                     "ord_it_1",
		CustomerID:             "user_cust",
		ProviderID:             "user_prov",
		ProviderAccountID:      "acct_1",
		ServiceID:              "svc_1",
		Status:                 domain.OrderStatusPendingOrderReceived,
		EscrowAmount:           domain.MoneyFromDollars(200),
		FinalPrice:             domain.MoneyFromDollars(200),
		PriceAdjustmentAllowed: true,
		Metadata:               map[string]any{"source": "integration"},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := reg.Orders().Insert(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	loaded, err := reg.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if loaded.EscrowAmount != order.EscrowAmount || loaded.Status != order.Status {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	// Release is guarded by a conditional update; the second call must hit
	// no rows and report a conflict instead of stamping twice.
	released, err := reg.Orders().MarkEscrowReleased(ctx, order.ID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("mark released: %v", err)
	}
	if released.EscrowReleasedAt == nil {
		t.Fatal("expected released timestamp")
	}
	if _, err := reg.Orders().MarkEscrowReleased(ctx, order.ID, now.Add(2*time.Hour)); err == nil {
		t.Fatal("second release should fail")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict, got %v", err)
		}
	}

	// The partial unique index allows only one pending adjustment per order.
	adjustment := domain.PriceAdjustment{
		ID:               "adj_it_1",
		OrderID:          order.ID,
		OriginalPrice:    domain.MoneyFromDollars(200),
		AdjustedPrice:    domain.MoneyFromDollars(240),
		AdjustmentAmount: domain.MoneyFromDollars(40),
		Type:             domain.AdjustmentTypeIncrease,
		Status:           domain.AdjustmentStatusPending,
		ResponseDeadline: now.Add(72 * time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := reg.Adjustments().Insert(ctx, adjustment); err != nil {
		t.Fatalf("insert adjustment: %v", err)
	}
	second := adjustment
	second.ID = "adj_it_2"
	if err := reg.Adjustments().Insert(ctx, second); err == nil {
		t.Fatal("second pending adjustment should violate the partial unique index")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict, got %v", err)
		}
	}

	// RunInTx rolls back every write when the callback fails.
	txErr := errors.New("boom")
	err = reg.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := reg.Timeline().Append(txCtx, domain.TimelineEvent{
			ID:        "tev_it_rollback",
			OrderID:   order.ID,
			Type:      "escrow_released",
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return txErr
	})
	if !errors.Is(err, txErr) {
		t.Fatalf("expected callback error, got %v", err)
	}
	events, err := reg.Timeline().ListByOrder(ctx, order.ID, 10)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	for _, event := range events {
		if event.ID == "tev_it_rollback" {
			t.Fatal("rolled back event should not be visible")
		}
	}

	if err := reg.Health().Ping(ctx); err != nil {
		t.Fatalf("health ping: %v", err)
	}
}

func connectWithRetry(t *testing.T, ctx context.Context, dsn string, timeout time.Duration) *pgxpool.Pool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		pool, err := pgxpool.New(ctx, dsn)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool
			}
			pool.Close()
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("postgres at %s did not accept connections: %v", dsn, lastErr)
	return nil
}

func applySchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	path := filepath.Join("..", "..", "..", "db", "schema.sql")
	ddl, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startPostgres(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:5432", port),
		"-e", "POSTGRES_USER=workflow",
		"-e", "POSTGRES_PASSWORD=workflow",
		"-e", "POSTGRES_DB=workflow_test",
		postgresImage,
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start postgres: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("postgres at %s did not become ready within %s", endpoint, timeout)
}
