// envoy-mint-token provisions the InfluxDB token used by envoy-ingest.
//
// It waits for InfluxDB to become healthy, resolves the configured bucket,
// mints a read+write token scoped to it with the admin token, and writes the
// token atomically to the shared token file with mode 0600. Running it again
// mints another token; earlier tokens are not revoked.
//
// Exit codes: 0 minted, 1 configuration or local error, 2 bucket missing or
// ambiguous, 3 InfluxDB unavailable, 4 admin token rejected.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/envoy-ingest/internal/ingest"
	"github.com/nerrad567/envoy-ingest/internal/journal"
	"github.com/nerrad567/envoy-ingest/internal/minter"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnv         = config.EnvPrefix + "CONFIG"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	cancel()
	os.Exit(ingest.ExitCode(err))
}

// run mints one token. Every returned error has already been logged.
func run(ctx context.Context, args []string) error {
	log := logging.Default()

	path, done, err := parseFlags(args)
	if err != nil || done {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return &ingest.FatalError{Kind: ingest.KindConfig, Dependency: ingest.DependencyConfig, Err: err}
		}
		return nil
	}

	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.ValidateMinter()
	}
	if err != nil {
		return fail(log, &ingest.FatalError{Kind: ingest.KindConfig, Dependency: ingest.DependencyConfig, Err: err})
	}

	log = logging.New(cfg.Logging, version).With("component", "minter")
	log.Info("starting envoy-mint-token",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", path,
	)
	log.Debug("effective configuration", "config", cfg.Redacted())

	var repo *journal.SQLiteRepository
	if cfg.Journal.Enabled {
		r, db, jerr := journal.Open(ctx, cfg.Journal)
		if jerr != nil {
			log.Warn("journal unavailable, continuing without it", "error", jerr)
		} else {
			repo = r
			defer db.Close() //nolint:errcheck // Process exit
		}
	}

	client := influxdb.New(cfg.InfluxDB, influxdb.Token(cfg.Minter.AdminToken))
	defer client.Close() //nolint:errcheck // Process exit

	m := minter.New(client, cfg.Minter, minter.WithLogger(log))
	res, err := m.Mint(ctx, cfg.InfluxDB.Bucket, cfg.InfluxDB.Org)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("minting cancelled")
			return err
		}
		return fail(log, ingest.Classify(err))
	}

	if err := minter.WriteTokenFile(cfg.InfluxDB.TokenFile, res.Token); err != nil {
		return fail(log, &ingest.FatalError{Kind: ingest.KindUnexpected, Dependency: ingest.DependencyLocal, Err: err})
	}

	if repo != nil {
		rec := journal.MintRecord{
			Bucket:      res.Bucket.Name,
			BucketID:    res.Bucket.ID,
			Org:         res.Bucket.Org,
			Description: cfg.Minter.Description,
			TokenFile:   cfg.InfluxDB.TokenFile,
		}
		if err := repo.RecordMint(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("recording minted token failed", "error", err)
		}
	}

	log.Info("token minted",
		"bucket", res.Bucket.Name,
		"bucket_id", res.Bucket.ID,
		"org", res.Bucket.Org,
		"token_file", cfg.InfluxDB.TokenFile,
	)
	return nil
}

// fail logs the single fatal line and returns fe.
func fail(log *logging.Logger, fe *ingest.FatalError) error {
	log.Fatal(fe.Kind, fe.Dependency, fe.Err)
	return fe
}

// parseFlags returns the config path: --config, then $ENVOY_INGEST_CONFIG,
// then the default. done is set when the command only printed help or its
// version.
func parseFlags(args []string) (path string, done bool, err error) {
	flagSet := pflag.NewFlagSet("envoy-mint-token", pflag.ContinueOnError)
	flagSet.StringVarP(&path, "config", "c", "", "path to the YAML configuration file")
	showVersion := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return "", true, nil
		}
		return "", false, err
	}
	if *showVersion {
		fmt.Printf("envoy-mint-token %s (%s, %s)\n", version, commit, date)
		return "", true, nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return "", false, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	return configPath(path), false, nil
}

// configPath resolves the config file. A missing default file means
// environment-only configuration.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigPath); err != nil {
		return ""
	}
	return defaultConfigPath
}
