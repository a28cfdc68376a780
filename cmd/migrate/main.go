package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/egtann/migrate/v2"
	"github.com/egtann/migrate/v2/mysql"
	"github.com/egtann/migrate/v2/postgres"
	"github.com/egtann/migrate/v2/sqlite"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh/terminal"
)

// Exit codes
const (
	exitOK         = 0
	exitUsage      = 1
	exitValidation = 2
	exitExecution  = 3
	exitInProgress = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// A missing .env is fine; flags and the environment may be enough
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to load .env")
	}

	conf, err := parseConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "log level"))
		return exitUsage
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	if err = execute(ctx, conf, log); err != nil {
		code := exitCode(err)
		log.WithField("exit_code", code).Error(err)
		return code
	}
	return exitOK
}

func execute(ctx context.Context, conf *config, log *logrus.Logger) error {
	if conf.Type != "sqlite" && conf.URL == "" && conf.Pass == "" &&
		terminal.IsTerminal(int(syscall.Stdin)) {
		fmt.Printf("%s database password: ", conf.DB)
		password, err := terminal.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return errors.Wrap(err, "read pass")
		}
		fmt.Printf("\n")
		conf.Pass = string(password)
	}

	if err := restrict(conf); err != nil {
		return errors.Wrap(err, "restrict")
	}

	db, err := newStore(conf, log)
	if err != nil {
		return err
	}
	if err = db.Open(); err != nil {
		return errors.Wrap(err, "open")
	}
	defer db.Close()

	sources := make([]migrate.Source, 0, len(conf.Dirs))
	for _, dir := range conf.Dirs {
		sources = append(sources, migrate.DirSource(dir))
	}
	m := migrate.New(db, migrate.Config{
		Logger:      log,
		OutOfOrder:  conf.OutOfOrder,
		Timeout:     conf.Timeout,
		LockWait:    conf.Wait,
		LockTimeout: conf.LockTimeout,
	}, sources...)

	switch conf.Command {
	case "migrate":
		start := time.Now()
		rep, err := m.Migrate(ctx)
		logReport(log, rep, time.Since(start))
		return err
	case "validate":
		rep, err := m.Validate(ctx)
		if err != nil {
			return err
		}
		if len(rep.Pending) == 0 {
			log.Info("valid, up to date")
			return nil
		}
		for _, mig := range rep.Pending {
			log.Infof("would migrate %s", mig.Filename)
		}
		return nil
	case "info":
		entries, err := m.Info(ctx)
		if err != nil {
			return err
		}
		return printInfo(os.Stdout, entries, conf.JSON)
	case "repair":
		rep, err := m.Repair(ctx)
		if err != nil {
			return err
		}
		if rep.Empty() {
			log.Info("nothing to repair")
			return nil
		}
		log.WithFields(logrus.Fields{
			"checksums_updated": strings.Join(rep.ChecksumsUpdated, ","),
			"unblocked":         strings.Join(rep.Unblocked, ","),
		}).Info("repaired")
		return nil
	case "baseline":
		rep, err := m.Baseline(ctx, conf.Args[0])
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"recorded": len(rep.Applied),
			"pending":  len(rep.Pending),
		}).Info("baselined")
		return nil
	}
	return fmt.Errorf("unknown command: %s", conf.Command)
}

func newStore(conf *config, log *logrus.Logger) (migrate.Store, error) {
	switch conf.Type {
	case "mysql":
		if conf.URL != "" {
			db, err := mysql.NewFromDSN(conf.URL)
			if err != nil {
				return nil, errors.Wrap(err, "mysql")
			}
			return db, nil
		}
		if conf.ssl() {
			log.Debug("using tls")
		}
		db, err := mysql.New(conf.User, conf.Pass, conf.Host, conf.DB,
			conf.Port, conf.SSLKey, conf.SSLCert, conf.SSLCA,
			conf.SSLServer)
		if err != nil {
			return nil, errors.Wrap(err, "mysql")
		}
		return db, nil
	case "postgres":
		if conf.URL != "" {
			return postgres.NewFromURL(conf.URL), nil
		}
		if conf.ssl() {
			log.Debug("using tls")
		}
		return postgres.New(conf.User, conf.Pass, conf.Host, conf.DB,
			conf.Port, conf.SSLKey, conf.SSLCert, conf.SSLCA), nil
	case "sqlite":
		file := conf.DB
		if conf.URL != "" {
			file = conf.URL
		}
		return sqlite.New(file), nil
	default:
		return nil, fmt.Errorf("unknown db type: %s", conf.Type)
	}
}

// restrict limits filesystem and syscall access on OpenBSD. It's a no-op
// elsewhere.
func restrict(conf *config) error {
	read := append([]string{}, conf.Dirs...)
	for _, p := range []string{conf.SSLKey, conf.SSLCert, conf.SSLCA,
		conf.ConfigFile} {
		if p != "" {
			read = append(read, p)
		}
	}
	promises := "stdio rpath inet dns"
	var readWrite []string
	if conf.Type == "sqlite" {
		file := conf.DB
		if conf.URL != "" {
			file = conf.URL
		}
		file = strings.TrimPrefix(file, "file:")
		if i := strings.IndexByte(file, '?'); i >= 0 {
			file = file[:i]
		}
		readWrite = append(readWrite, filepath.Dir(file))
		promises = "stdio rpath wpath cpath flock"
	} else {
		read = append(read, "/etc/hosts", "/etc/resolv.conf")
	}
	if err := migrate.Unveil(read, readWrite); err != nil {
		return err
	}
	return migrate.Pledge(promises)
}

func logReport(log *logrus.Logger, rep *migrate.Report, took time.Duration) {
	if rep == nil {
		return
	}
	fields := logrus.Fields{
		"state":   rep.State.String(),
		"applied": len(rep.Applied),
		"pending": len(rep.Pending),
		"took":    took.Round(time.Millisecond).String(),
	}
	if rep.State == migrate.StateDone {
		if len(rep.Applied) == 0 {
			log.WithFields(fields).Info("up to date")
		} else {
			log.WithFields(fields).Info("success")
		}
		return
	}
	log.WithFields(fields).Warn("stopped")
}

func printInfo(w io.Writer, entries []migrate.InfoEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(entries), "encode info")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tVERSION\tDESCRIPTION\tSTATE\tEXECUTED AT\tMILLIS")
	for _, e := range entries {
		rank, executed, millis := "", "", ""
		if e.InstalledRank > 0 {
			rank = fmt.Sprint(e.InstalledRank)
			millis = fmt.Sprint(e.ExecutionTimeMillis)
		}
		if e.ExecutedAt != nil {
			executed = e.ExecutedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rank, e.Version,
			e.Description, e.State, executed, millis)
	}
	return errors.Wrap(tw.Flush(), "flush")
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var (
		confErr     *migrate.ConfigError
		mismatchErr *migrate.ChecksumMismatchError
		missingErr  *migrate.MissingMigrationError
		priorErr    *migrate.PriorFailureError
		orderErr    *migrate.OutOfOrderError
		execErr     *migrate.ExecutionError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, migrate.ErrInProgress):
		return exitInProgress
	case errors.As(err, &execErr):
		return exitExecution
	case errors.As(err, &confErr), errors.As(err, &mismatchErr),
		errors.As(err, &missingErr), errors.As(err, &priorErr),
		errors.As(err, &orderErr), errors.Is(err, migrate.ErrLedgerNotEmpty):
		return exitValidation
	default:
		return exitUsage
	}
}
