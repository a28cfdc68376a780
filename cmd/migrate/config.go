package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/egtann/migrate/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const usage = `usage: migrate [flags] <command>

commands:
  migrate           validate, then apply pending migrations
  validate          run validation only and list pending migrations
  info              show every migration and its ledger state
  repair            accept edited checksums and unblock failed migrations
  baseline VERSION  record migrations up to VERSION as applied without running them

flags:
`

// config is the merged result of flags, MIGRATE_* environment variables and
// an optional config file, in that order of precedence.
type config struct {
	Command string
	Args    []string

	Dirs []string
	Type string
	URL  string

	DB         string
	User       string
	Pass       string
	Host       string
	Port       int
	SSLKey     string
	SSLCert    string
	SSLCA      string
	SSLServer  string
	ConfigFile string

	Timeout     time.Duration
	Wait        bool
	LockTimeout time.Duration
	OutOfOrder  migrate.OutOfOrderPolicy

	LogLevel string
	JSON     bool
}

func parseConfig(args []string) (*config, error) {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringSlice("dir", []string{"migrations"}, "migrations directory, repeat for more than one")
	fs.StringP("type", "t", "mysql", "type of database (mysql, postgres, sqlite)")
	fs.String("url", "", "full connection string, overrides the connection flags")
	fs.String("db", "", "database name, or file path for sqlite")
	fs.StringP("user", "u", "root", "database user")
	fs.String("pass", "", "password (if not provided it will be requested)")
	fs.StringP("host", "h", "127.0.0.1", "database host")
	fs.IntP("port", "p", 0, "database port (default 3306 for mysql, 5432 for postgres)")
	fs.String("ssl-key", "", "path to client key pem")
	fs.String("ssl-cert", "", "path to client cert pem")
	fs.String("ssl-ca", "", "path to server ca pem")
	fs.String("ssl-server", "", "server name for ssl")
	fs.Duration("timeout", 0, "maximum time for each migration, 0 for no limit")
	fs.Bool("wait", false, "wait for a running migration instead of failing")
	fs.Duration("lock-timeout", 0, "maximum time to wait for the lock, 0 for no limit")
	fs.String("out-of-order", "reject", "what to do with unapplied migrations older than the newest applied one (reject, allow)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("json", false, "print info as json")
	fs.String("config", "", "yaml config file with the same keys as the flags")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	v.SetEnvPrefix("migrate")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	conf := &config{
		Dirs:        v.GetStringSlice("dir"),
		Type:        v.GetString("type"),
		URL:         v.GetString("url"),
		DB:          v.GetString("db"),
		User:        v.GetString("user"),
		Pass:        v.GetString("pass"),
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		SSLKey:      v.GetString("ssl-key"),
		SSLCert:     v.GetString("ssl-cert"),
		SSLCA:       v.GetString("ssl-ca"),
		SSLServer:   v.GetString("ssl-server"),
		ConfigFile:  v.GetString("config"),
		Timeout:     v.GetDuration("timeout"),
		Wait:        v.GetBool("wait"),
		LockTimeout: v.GetDuration("lock-timeout"),
		LogLevel:    v.GetString("log-level"),
		JSON:        v.GetBool("json"),
	}
	var ok bool
	conf.OutOfOrder, ok = migrate.ParseOutOfOrderPolicy(v.GetString("out-of-order"))
	if !ok {
		return nil, fmt.Errorf("unknown out-of-order policy: %s",
			v.GetString("out-of-order"))
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return nil, errors.New("missing command")
	}
	conf.Command, conf.Args = rest[0], rest[1:]
	switch conf.Command {
	case "migrate", "validate", "info", "repair":
		if len(conf.Args) > 0 {
			return nil, fmt.Errorf("%s takes no arguments", conf.Command)
		}
	case "baseline":
		if len(conf.Args) != 1 {
			return nil, errors.New("baseline takes exactly one VERSION")
		}
	default:
		return nil, fmt.Errorf("unknown command: %s", conf.Command)
	}

	if conf.URL == "" && conf.DB == "" {
		return nil, errors.New("database name cannot be empty. specify using the --db flag. run `migrate --help` for help")
	}
	if conf.Port == 0 {
		switch conf.Type {
		case "mysql":
			conf.Port = 3306
		case "postgres":
			conf.Port = 5432
		}
	}
	return conf, nil
}

// ssl reports whether any ssl flag is set.
func (c *config) ssl() bool {
	return c.SSLKey != "" || c.SSLCert != "" || c.SSLCA != "" ||
		c.SSLServer != ""
}
