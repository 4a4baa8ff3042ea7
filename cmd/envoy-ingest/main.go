// envoy-ingest polls an Enphase Envoy gateway and appends its production and
// consumption telemetry to InfluxDB.
//
// At startup it waits for the InfluxDB token file written by
// envoy-mint-token, unless a token is given explicitly. It then polls on a
// fixed cadence until SIGINT or SIGTERM, drains the pending batch and exits.
//
// Exit codes: 0 clean shutdown, 1 configuration or unexpected error,
// 4 InfluxDB rejected the token, 5 the gateway kept rejecting the device
// token.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/envoy-ingest/internal/api"
	"github.com/nerrad567/envoy-ingest/internal/envoy"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/mqtt"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/tsdb"
	"github.com/nerrad567/envoy-ingest/internal/ingest"
	"github.com/nerrad567/envoy-ingest/internal/journal"
	"github.com/nerrad567/envoy-ingest/internal/points"
	"github.com/nerrad567/envoy-ingest/internal/readiness"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
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

// run is the application, separated from main for testability. It returns
// nil on a clean shutdown and a *ingest.FatalError otherwise.
func run(ctx context.Context, args []string) error {
	log := logging.Default()

	path, done, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return &ingest.FatalError{Kind: ingest.KindConfig, Dependency: ingest.DependencyConfig, Err: err}
	}
	if done {
		return nil
	}

	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.ValidateIngest()
	}
	if err != nil {
		return fail(log, &ingest.FatalError{Kind: ingest.KindConfig, Dependency: ingest.DependencyConfig, Err: err})
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting envoy-ingest",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", path,
	)
	log.Info("effective configuration", "config", cfg.Redacted())

	metrics := ingest.NewMetrics()
	checks := map[string]api.HealthChecker{}

	// Journal (optional)
	var repo journal.Repository
	if cfg.Journal.Enabled {
		r, db, jerr := journal.Open(ctx, cfg.Journal)
		if jerr != nil {
			log.Warn("journal unavailable, continuing without it", "error", jerr)
		} else {
			repo = r
			checks["journal"] = db.HealthCheck
			defer func() {
				if closeErr := db.Close(); closeErr != nil {
					log.Error("error closing journal", "error", closeErr)
				}
			}()
			log.Info("journal opened", "path", db.Path())
		}
	}

	// Gateway
	tokens := envoy.NewTokenSource(cfg.Device.Token, cfg.Device.TokenFile)
	poller := envoy.NewClient(cfg.Device, tokens, envoy.WithLogger(log.With("component", "envoy")))

	deps := ingest.Deps{
		Config:          cfg.Ingest,
		MaxAuthFailures: cfg.Device.MaxAuthFailures,
		Poller:          poller,
		Builder:         points.NewBuilder(cfg.InfluxDB.Org),
		Metrics:         metrics,
		Logger:          log.With("component", "ingest"),
	}
	if repo != nil {
		deps.Journal = repo
	}

	// InfluxDB token: explicit token bypasses the readiness gate.
	deps.AwaitToken = func(ctx context.Context) (influxdb.Token, error) {
		if cfg.InfluxDB.Token != "" {
			log.Info("using explicit influxdb token, skipping token file wait")
			return influxdb.Token(cfg.InfluxDB.Token), nil
		}
		log.Info("waiting for influxdb token", "path", cfg.InfluxDB.TokenFile)
		return readiness.AwaitToken(ctx, cfg.InfluxDB.TokenFile, cfg.Ingest.TokenPollInterval)
	}

	var influx *influxdb.Client
	deps.OpenWriter = func(tok influxdb.Token, hooks tsdb.Hooks) (ingest.PointWriter, error) {
		influx = influxdb.New(cfg.InfluxDB, tok)
		return tsdb.NewWriter(influx, tsdb.Config{
			BatchSize:      cfg.Ingest.BatchSize,
			FlushInterval:  cfg.Ingest.FlushInterval,
			MaxRetries:     cfg.Ingest.MaxRetries,
			RetryBaseDelay: cfg.Ingest.RetryBaseDelay,
			RetryMaxDelay:  cfg.Ingest.RetryMaxDelay,
			QueueSize:      cfg.Ingest.QueueSize,
		}, tsdb.WithLogger(log.With("component", "writer")), tsdb.WithHooks(hooks)), nil
	}
	defer func() {
		if influx != nil {
			influx.Close() //nolint:errcheck // Process exit
		}
	}()

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("mqtt unavailable, continuing without status publishing", "error", err)
			mqttClient = nil
		} else {
			checks["mqtt"] = mqttClient.HealthCheck
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", mqttClient.ClientID(),
			)
			if cfg.MQTT.PublishReadings {
				deps.Readings = ingest.NewMQTTSink(mqttClient, mqttClient.Topics().Reading, byte(cfg.MQTT.QoS))
			}
		}
	}

	svc, err := ingest.New(deps)
	if err != nil {
		return fail(log, ingest.Classify(err))
	}

	if mqttClient != nil {
		health := ingest.NewHealthReporter(ingest.HealthConfig{
			Topic:     mqttClient.Topics().Status(mqttClient.ClientID()),
			ClientID:  mqttClient.ClientID(),
			Version:   version,
			Publisher: mqttClient,
			QoS:       byte(cfg.MQTT.QoS),
			Status:    svc.Status,
		})
		health.SetLogger(log.With("component", "health"))
		svc.OnStateChange(health.Notify)
		// Republish after a reconnect; the broker only kept the will.
		mqttClient.SetOnConnect(func() { health.Notify(svc.Status()) })
		health.Start(ctx)
		// Stop runs before Close so the final state lands before "offline".
		defer func() {
			health.Stop()
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	// Status server (optional)
	if cfg.Status.Enabled {
		statusDeps := api.Deps{
			Config:   cfg.Status,
			Logger:   log.With("component", "status"),
			Status:   svc,
			Registry: metrics.Registry,
			Checks:   checks,
			Version:  version,
		}
		if repo != nil {
			statusDeps.Journal = repo
		}
		srv, serr := api.New(statusDeps)
		if serr == nil {
			serr = srv.Start(ctx)
		}
		if serr != nil {
			return fail(log, &ingest.FatalError{Kind: ingest.KindConfig, Dependency: ingest.DependencyLocal, Err: serr})
		}
		defer srv.Close() //nolint:errcheck // Process exit
	}

	if err := svc.Run(ctx); err != nil {
		return fail(log, ingest.Classify(err))
	}
	log.Info("envoy-ingest stopped")
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
	flagSet := pflag.NewFlagSet("envoy-ingest", pflag.ContinueOnError)
	flagSet.StringVarP(&path, "config", "c", "", "path to the YAML configuration file")
	showVersion := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return "", true, nil
		}
		return "", false, err
	}
	if *showVersion {
		fmt.Printf("envoy-ingest %s (%s, %s)\n", version, commit, date)
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
