// itag2mqttd keeps a configured set of iTag Bluetooth LE key finders
// connected and forwards their button presses, battery levels and
// connectivity to an MQTT broker.
//
// Usage:
//
//	itag2mqttd [config.yaml]
//
// The configuration path is the first argument, else $ITAG2MQTTD_CONFIG,
// else /etc/itag2mqttd/config.yaml.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/gunjambi/itag2mqttd/migrations"

	"github.com/gunjambi/itag2mqttd/internal/api"
	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
	"github.com/gunjambi/itag2mqttd/internal/bluetooth/bluez"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/config"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/database"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/influxdb"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/logging"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/mqtt"
	"github.com/gunjambi/itag2mqttd/internal/itag"
	"github.com/gunjambi/itag2mqttd/internal/metrics"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Environment variable and default for the configuration file path.
const (
	configEnvVar      = "ITAG2MQTTD_CONFIG"
	defaultConfigPath = "/etc/itag2mqttd/config.yaml"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon, separated from main for testability. It returns nil
// on a clean shutdown after ctx is cancelled.
func run(ctx context.Context, args []string) error {
	log := logging.Default()
	log.Info("starting itag2mqttd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(args)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "devices", len(cfg.Devices))

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Bluetooth
	transport, err := bluez.Open(bluez.Options{
		Logger:  log.Component("bluez"),
		PowerOn: cfg.Bluetooth.PowerOn,
	})
	if err != nil {
		return fmt.Errorf("opening bluetooth: %w", err)
	}
	defer func() {
		log.Info("closing bluetooth transport")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing bluetooth transport", "error", closeErr)
		}
	}()

	bridge, err := newBridge(cfg, db, transport, mqttClient, log)
	if err != nil {
		return err
	}

	collector := metrics.New(bridge, bridge.Publisher())
	bridge.AddObserver("metrics", collector)

	if influxClient != nil {
		bridge.AddObserver("influxdb", itag.NewTelemetryRecorder(influxClient, bridge.Store()))
	}

	// Status API (optional)
	if cfg.API.Enabled {
		srv, apiErr := newAPIServer(cfg, bridge, mqttClient, collector.Handler(), log)
		if apiErr != nil {
			return apiErr
		}
		bridge.AddObserver("websocket", srv.Hub())
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, running until shutdown signal")
	if err := bridge.Run(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	// Deferred Close() calls run in reverse order: API, bluetooth,
	// InfluxDB, MQTT (publishing offline), database.
	log.Info("itag2mqttd stopped")
	return nil
}

// newBridge builds the bridge and its history recorder from configuration.
func newBridge(cfg *config.Config, db *database.DB, transport bluetooth.Transport, client *mqtt.Client, log *logging.Logger) (*itag.Bridge, error) {
	specs, err := deviceSpecs(cfg.Devices)
	if err != nil {
		return nil, err
	}

	opts := itag.BridgeOptions{
		Devices:   specs,
		Transport: transport,
		MQTT:      client,
		QoS:       byte(cfg.MQTT.QoS),
		Machine: itag.MachineConfig{
			ConnectTimeout:   cfg.Connection.ConnectTimeout,
			DiscoveryTimeout: cfg.Connection.DiscoveryTimeout,
			Backoff: itag.BackoffPolicy{
				Initial:    cfg.Connection.Backoff.Initial,
				Max:        cfg.Connection.Backoff.Max,
				Multiplier: cfg.Connection.Backoff.Multiplier,
			},
			MaxSubscribeFailures: cfg.Connection.MaxSubscribeFailures,
			StopAlertOnConnect:   cfg.Connection.StopAlertOnConnect,
		},
		AdapterAllowList: cfg.Bluetooth.Adapters,
		SettleDelay:      cfg.Bluetooth.SettleDelay,
		ButtonTimestamp:  cfg.MQTT.ButtonPayload == config.ButtonPayloadTimestamp,
		Version:          version,
		HealthInterval:   cfg.Health.Interval,
		HistoryRepo:      itag.NewSQLiteHistoryRepository(db.DB),
		HistoryRetention: cfg.Database.HistoryRetention,
		Logger:           log.Component("bridge"),
	}

	bridge, err := itag.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	return bridge, nil
}

// deviceSpecs converts configured devices. Config validation has already
// canonicalised the addresses.
func deviceSpecs(devices []config.DeviceConfig) ([]itag.DeviceSpec, error) {
	specs := make([]itag.DeviceSpec, 0, len(devices))
	for _, d := range devices {
		addr, err := bluetooth.ParseAddress(d.Address)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Address, err)
		}
		specs = append(specs, itag.DeviceSpec{Address: addr, Alias: d.Alias})
	}
	return specs, nil
}

// newAPIServer builds the status API around the bridge.
func newAPIServer(cfg *config.Config, bridge *itag.Bridge, client *mqtt.Client, metricsHandler http.Handler, log *logging.Logger) (*api.Server, error) {
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Devices:  bridge.Store(),
		Adapters: bridge.Pool(),
		Health:   bridge,
		Alerts:   bridge,
		MQTT:     client,
		Metrics:  metricsHandler,
		Version:  version,
	}
	// Leave History nil rather than a typed nil pointer.
	if h := bridge.History(); h != nil {
		deps.History = h
	}

	srv, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	return srv, nil
}

// getConfigPath returns the configuration file path: the first argument,
// else ITAG2MQTTD_CONFIG, else the default.
func getConfigPath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil if disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
