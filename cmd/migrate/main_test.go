package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/egtann/migrate/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tcs := []struct {
		err  error
		want int
	}{
		{err: nil, want: exitOK},
		{err: errors.New("dial tcp: connection refused"), want: exitUsage},
		{err: &migrate.ConfigError{Reason: "bad name"}, want: exitValidation},
		{err: &migrate.ChecksumMismatchError{}, want: exitValidation},
		{err: &migrate.MissingMigrationError{}, want: exitValidation},
		{err: &migrate.PriorFailureError{}, want: exitValidation},
		{err: &migrate.OutOfOrderError{}, want: exitValidation},
		{err: migrate.ErrLedgerNotEmpty, want: exitValidation},
		{err: &migrate.ExecutionError{}, want: exitExecution},
		{err: errors.Wrap(migrate.ErrInProgress, "context deadline exceeded"),
			want: exitInProgress},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}

func TestParseConfig(t *testing.T) {
	t.Setenv("MIGRATE_OUT_OF_ORDER", "allow")
	t.Setenv("MIGRATE_LOCK_TIMEOUT", "30s")

	conf, err := parseConfig([]string{"--db", "app", "-t", "postgres",
		"--dir", "a", "--dir", "b", "--wait", "migrate"})
	require.NoError(t, err)
	assert.Equal(t, "migrate", conf.Command)
	assert.Equal(t, []string{"a", "b"}, conf.Dirs)
	assert.Equal(t, 5432, conf.Port)
	assert.True(t, conf.Wait)
	assert.Equal(t, 30*time.Second, conf.LockTimeout)
	assert.Equal(t, migrate.OutOfOrderAllow, conf.OutOfOrder)

	conf, err = parseConfig([]string{"--db", "app", "info"})
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations"}, conf.Dirs)

	_, err = parseConfig([]string{"--db", "app"})
	assert.Error(t, err)
	_, err = parseConfig([]string{"--db", "app", "baseline"})
	assert.Error(t, err)
	_, err = parseConfig([]string{"--db", "app", "explode"})
	assert.Error(t, err)
	_, err = parseConfig([]string{"migrate"})
	assert.Error(t, err)
}

func TestParseConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "migrate.yaml")
	err := os.WriteFile(file, []byte("type: sqlite\ndb: app.db\ntimeout: 1m\n"),
		0o600)
	require.NoError(t, err)

	conf, err := parseConfig([]string{"--config", file, "info"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", conf.Type)
	assert.Equal(t, "app.db", conf.DB)
	assert.Equal(t, time.Minute, conf.Timeout)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	migrations := filepath.Join(dir, "migrations")
	require.NoError(t, os.Mkdir(migrations, 0o700))
	write := func(name, body string) {
		err := os.WriteFile(filepath.Join(migrations, name), []byte(body),
			0o600)
		require.NoError(t, err)
	}
	write("V1__create_t.sql", "CREATE TABLE t (id INTEGER);")
	write("V2__insert.sql", "INSERT INTO t (id) VALUES (1);")

	args := func(cmd ...string) []string {
		return append([]string{"-t", "sqlite", "--db",
			filepath.Join(dir, "test.db"), "--dir", migrations}, cmd...)
	}
	assert.Equal(t, exitOK, run(args("validate")))
	assert.Equal(t, exitOK, run(args("migrate")))
	assert.Equal(t, exitOK, run(args("migrate")))

	write("V3__broken.sql", "INSERT INTO nope (id) VALUES (1);")
	assert.Equal(t, exitExecution, run(args("migrate")))
	assert.Equal(t, exitValidation, run(args("migrate")))
	assert.Equal(t, exitOK, run(args("info")))

	write("V3__broken.sql", "INSERT INTO t (id) VALUES (3);")
	assert.Equal(t, exitOK, run(args("repair")))
	assert.Equal(t, exitOK, run(args("migrate")))

	write("V1__create_t.sql", "CREATE TABLE t (id INTEGER, name TEXT);")
	assert.Equal(t, exitValidation, run(args("validate")))
	assert.Equal(t, exitOK, run(args("repair")))
	assert.Equal(t, exitOK, run(args("validate")))

	assert.Equal(t, exitUsage, run(args("bogus")))
	assert.Equal(t, exitValidation, run(args("baseline", "1")))
}

func TestPrintInfo(t *testing.T) {
	executedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []migrate.InfoEntry{
		{Version: "1", Description: "create t", State: migrate.InfoSuccess,
			InstalledRank: 1, ExecutedAt: &executedAt, ExecutionTimeMillis: 12},
		{Version: "2", Description: "insert", State: migrate.InfoPending},
	}
	var buf bytes.Buffer
	require.NoError(t, printInfo(&buf, entries, false))
	out := buf.String()
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "2024-01-02T03:04:05Z")
	assert.Contains(t, out, "pending")

	buf.Reset()
	require.NoError(t, printInfo(&buf, entries, true))
	assert.Contains(t, buf.String(), `"state": "success"`)
	assert.Equal(t, 1, strings.Count(buf.String(), `"executed_at"`))
	assert.NotContains(t, buf.String(), "0001-01-01")
}

func TestRunDefaultDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "migrations"), 0o700))
	files := map[string]string{
		"go.mod":                      "module example.com/app\n",
		"README.md":                   "# app\n",
		"migrations/V1__create_t.sql": "CREATE TABLE t (id INTEGER);",
	}
	for name, body := range files {
		err := os.WriteFile(filepath.Join(root, name), []byte(body), 0o600)
		require.NoError(t, err)
	}

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(root))
	t.Cleanup(func() { os.Chdir(wd) })

	assert.Equal(t, exitOK, run([]string{"-t", "sqlite", "--db", "app.db",
		"migrate"}))
}
