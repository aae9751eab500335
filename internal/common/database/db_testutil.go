package database

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/bvenu-lab/mangalm-ingest/internal/common/util"
)

// TestDsnEnvVar names the environment variable integration tests read to
// find a postgres instance, in keyword/value form, e.g.
// "host=localhost port=5432 user=postgres password=psw sslmode=disable".
// Tests skip themselves when it is unset.
const TestDsnEnvVar = "BULKINGEST_TEST_DSN"

func TestDatabaseDsn() string {
	return os.Getenv(TestDsnEnvVar)
}

// WithTestDb creates a dedicated database on the instance named by
// BULKINGEST_TEST_DSN, applies the given migrations and calls action with a
// pool connected to it. The database is dropped afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	dsn := TestDatabaseDsn()
	if dsn == "" {
		return errors.Errorf("no test database configured; set %s", TestDsnEnvVar)
	}

	// Connect and create a dedicated database for the test.
	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again, this time to the database we just created. This is the
	// database we use for the test.
	testDbPool, err := pgxpool.New(ctx, dsn+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer testDbPool.Close()

	defer func() {
		// Disconnect all db users before cleanup.
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
