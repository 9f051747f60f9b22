package postgres_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/root-talis/shinka/driver/postgres"
	"github.com/root-talis/shinka/internal/drivertest"
)

var versions = []string{ //nolint:gochecknoglobals
	"postgres:16-alpine",
	"postgres:13-alpine",
}

func TestDialect(t *testing.T) {
	t.Parallel()

	drv := postgres.NewDriver()

	assert.Equal(t, "postgres", drv.Name())
	assert.Equal(t, "$2", drv.Placeholder(2))
	assert.True(t, drv.TransactionalDDL())
	assert.Equal(t, `DROP INDEX "idx_events_room"`, drv.DropIndex("idx_events_room", "events"))
}

func TestDriver(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping integration test for driver/postgres")
	}

	for _, version := range versions {
		version := version
		t.Run("Driver@"+version, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			password := randomPassword()

			pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
				ContainerRequest: testcontainers.ContainerRequest{
					Image:        version,
					ExposedPorts: []string{"5432/tcp"},
					WaitingFor:   wait.ForListeningPort("5432"),
					Env: map[string]string{
						"POSTGRES_PASSWORD": password,
					},
				},
				Started: true,
			})
			require.NoError(t, err)
			defer func() {
				if err := pgC.Terminate(ctx); err != nil {
					t.Fatalf("failed to terminate test container: %s", err)
				}
			}()

			endpoint, err := pgC.Endpoint(ctx, "")
			require.NoError(t, err)

			db, err := postgres.Open(fmt.Sprintf("postgres://postgres:%s@%s/postgres?sslmode=disable", password, endpoint))
			require.NoError(t, err)
			defer db.Close()

			// the port opens before the server finishes its init scripts
			require.Eventually(t, func() bool {
				return db.PingContext(ctx) == nil
			}, 30*time.Second, 200*time.Millisecond)

			drivertest.Run(t, db, postgres.NewDriver())
		})
	}
}

func randomPassword() string {
	const length = 8
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("failed to generate a random password: %w", err))
	}
	return fmt.Sprintf("%x", b)[:length]
}
