// Spoolbuddy is the main server of SpoolBuddy.
// It's responsible for keeping a live MQTT session per Bambu Lab printer,
// fanning telemetry out to websocket consumers, and storing filament
// inventory and persistent state in sqlite.
package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheLab-ms/spoolbuddy/engine"
	"github.com/TheLab-ms/spoolbuddy/engine/db"
	"github.com/TheLab-ms/spoolbuddy/modules/assignments"
	"github.com/TheLab-ms/spoolbuddy/modules/device"
	"github.com/TheLab-ms/spoolbuddy/modules/events"
	"github.com/TheLab-ms/spoolbuddy/modules/printers"
	"github.com/TheLab-ms/spoolbuddy/modules/printers/bambu"
	"github.com/TheLab-ms/spoolbuddy/modules/spools"
	"github.com/TheLab-ms/spoolbuddy/modules/stream"
	"github.com/caarlos0/env/v11"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

type Config struct {
	HttpAddr string `envDefault:":8080"`
	DBPath   string `envDefault:"spoolbuddy.sqlite3"`

	MqttPort int    `envDefault:"8883"`
	MqttUser string `envDefault:"bblp"`

	// PrinterCAFile points at a PEM bundle used to pin printer certificates.
	// When empty the printers' self-signed chains are accepted.
	PrinterCAFile string

	CommandTimeoutMS     int `envDefault:"5000"`
	ReconnectMinMS       int `envDefault:"1000"`
	ReconnectMaxMS       int `envDefault:"60000"`
	PushallMinIntervalMS int `envDefault:"2000"`

	SubscriberQueueDepth int `envDefault:"256"`

	// A websocket subscriber that overflows its queue more than
	// SlowConsumerMaxDrops times within SlowConsumerWindowMS is evicted.
	SlowConsumerMaxDrops int `envDefault:"3"`
	SlowConsumerWindowMS int `envDefault:"30000"`

	DeviceHeartbeatTimeoutMS int `envDefault:"15000"`
	StagedAssignmentTTLMS    int `envDefault:"3600000"`
	ShutdownDrainMS          int `envDefault:"10000"`
}

func main() {
	logW := os.Stderr
	slog.SetDefault(slog.New(tint.NewHandler(logW, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.StampMilli,
		NoColor:    !isatty.IsTerminal(logW.Fd()),
	})))

	// The MQTT library logs a lot of noise using the stdlib log package.
	// We can just disable the logger entirely since Spoolbuddy uses slog.
	log.SetOutput(io.Discard)

	conf, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "SPOOLBUDDY_", UseFieldNameByDefault: true})
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		err := engine.CheckHealthProbe("http://localhost:8080/healthz") // assume server is running on the default port
		if err != nil {
			panic(err)
		}
		return
	}

	app, err := newApp(conf)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	app.Run(ctx)
}

func newApp(conf Config) (*engine.App, error) {
	database, err := db.Open(conf.DBPath)
	if err != nil {
		return nil, err
	}

	router := engine.NewRouter()
	router.HandleFunc("GET /healthz", engine.ServeLiveness())
	router.HandleFunc("GET /readyz", engine.ServeHealthProbe(database))

	bus := events.NewBus(events.Options{
		QueueDepth:     conf.SubscriberQueueDepth,
		EvictionDrops:  conf.SlowConsumerMaxDrops,
		EvictionWindow: time.Duration(conf.SlowConsumerWindowMS) * time.Millisecond,
	})

	base := bambu.Config{
		Port:                 conf.MqttPort,
		Username:             conf.MqttUser,
		CommandTimeout:       time.Duration(conf.CommandTimeoutMS) * time.Millisecond,
		ReconnectMinInterval: time.Duration(conf.ReconnectMinMS) * time.Millisecond,
		ReconnectMaxInterval: time.Duration(conf.ReconnectMaxMS) * time.Millisecond,
		PushallMinInterval:   time.Duration(conf.PushallMinIntervalMS) * time.Millisecond,
	}
	if conf.PrinterCAFile != "" {
		pem, err := os.ReadFile(conf.PrinterCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading printer CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", conf.PrinterCAFile)
		}
		base.RootCAs = pool
	}

	a := engine.NewApp(conf.HttpAddr, router)
	a.DrainTimeout = time.Duration(conf.ShutdownDrainMS) * time.Millisecond

	printersModule := printers.New(database, bus, base)
	spoolsModule := spools.New(database)
	a.Add(printersModule)
	a.Add(spoolsModule)
	a.Add(assignments.New(database, bus, spoolsModule, printersModule, time.Duration(conf.StagedAssignmentTTLMS)*time.Millisecond))
	a.Add(device.New(bus, time.Duration(conf.DeviceHeartbeatTimeoutMS)*time.Millisecond))
	a.Add(stream.New(bus))
	return a, nil
}
