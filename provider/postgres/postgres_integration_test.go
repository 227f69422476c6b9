//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flageval_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flageval_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}
	connStr := fmt.Sprintf("postgresql://test:test@%s:%s/flageval_test?sslmode=disable", host, mappedPort.Port())

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, "."); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func seedProject(t *testing.T, id string) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(),
		`INSERT INTO projects (id, name) VALUES ($1, $1)`, id); err != nil {
		t.Fatalf("insert project: %v", err)
	}
}

func upsertFlag(t *testing.T, projectID, key string, enabled bool, variants, rules string) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO flags (project_id, key, enabled, variants, rules)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
		ON CONFLICT (project_id, key)
		DO UPDATE SET enabled = EXCLUDED.enabled, variants = EXCLUDED.variants,
			rules = EXCLUDED.rules, updated_at = now()
	`, projectID, key, enabled, variants, rules); err != nil {
		t.Fatalf("upsert flag: %v", err)
	}
}

func TestProviderLoadsAndReloads(t *testing.T) {
	ctx := context.Background()
	seedProject(t, "reload")
	seedProject(t, "other")
	upsertFlag(t, "reload", "checkout", true, `{"default":false}`, `[{"attribute":"plan","operator":"equals","value":"pro"}]`)
	upsertFlag(t, "other", "checkout", true, `{}`, `[]`)

	provider := New(Config{Pool: testPool, ProjectID: "reload", ResyncInterval: -1})
	client := flageval.New(flageval.Config{Provider: provider})
	defer func() { _ = client.Shutdown(ctx) }()

	changed := make(chan flageval.ProviderEvent, 8)
	client.OnConfigurationChanged(func(event flageval.ProviderEvent) {
		select {
		case changed <- event:
		default:
		}
	})

	if err := client.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	pro := flageval.WithInvocationContext(flageval.NewContext("u1", map[string]flageval.AttributeValue{"plan": flageval.StringValue("pro")}))
	if on, err := client.Boolean(ctx, "checkout", false, pro); err != nil || !on {
		t.Fatalf("checkout for pro = %v, %v, want true", on, err)
	}
	if on, err := client.Boolean(ctx, "checkout", true); err != nil || on {
		t.Fatalf("checkout for free = %v, %v, want false", on, err)
	}

	// Give the listener time to issue LISTEN before notifying.
	time.Sleep(200 * time.Millisecond)
	upsertFlag(t, "reload", "checkout", false, `{"default":false}`, `[]`)
	if err := Notify(ctx, testPool, "", "reload", "checkout", "updated"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-changed:
		case <-deadline:
			t.Fatal("no configuration change after notification")
		}
		res, err := client.BooleanDetails(ctx, "checkout", true, pro)
		if err != nil {
			t.Fatalf("BooleanDetails() error = %v", err)
		}
		if res.Reason == flageval.ReasonDisabled {
			if res.Value {
				t.Fatalf("disabled flag resolved %+v, want false", res)
			}
			return
		}
	}
}
