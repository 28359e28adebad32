// Command fotad serves firmware to devices over the resumable transfer
// protocol, with an admin HTTP surface for managing the catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/core/kvdb/backend"
	"github.com/kabili207/fota-go/core/kvdb/table"
	"github.com/kabili207/fota-go/internal/logflags"
	"github.com/kabili207/fota-go/server/admin"
	"github.com/kabili207/fota-go/server/engine"
	"github.com/kabili207/fota-go/server/session"
	"github.com/kabili207/fota-go/transport/mqtt"
)

var indexPrefix = []byte("i/")

// CLI is the fotad command line. Every flag can also be set from the
// environment or a JSON config file.
type CLI struct {
	Config kong.ConfigFlag `help:"JSON config file." placeholder:"FILE"`

	Listen      string `default:":9000" env:"FOTA_LISTEN" help:"Device protocol listen address."`
	AdminListen string `default:":8080" env:"FOTA_ADMIN_LISTEN" help:"Admin HTTP listen address; empty disables it."`

	FirmwareDir  string `default:"./firmware" env:"FOTA_FIRMWARE_DIR" type:"path" help:"Directory of firmware binaries."`
	Policy       string `enum:"mtime,semver" default:"mtime" env:"FOTA_POLICY" help:"Latest firmware selection (${enum})."`
	CacheEntries int    `default:"256" env:"FOTA_CACHE_ENTRIES" help:"Chunk read cache entries."`

	Store     string `enum:"memory,leveldb,pebble" default:"pebble" env:"FOTA_STORE" help:"Session and digest store (${enum})."`
	StorePath string `default:"./fota.db" env:"FOTA_STORE_PATH" type:"path" help:"Store directory."`

	MinChunk           int           `default:"128" env:"FOTA_MIN_CHUNK" help:"Smallest chunk size."`
	MaxChunk           int           `default:"4096" env:"FOTA_MAX_CHUNK" help:"Largest chunk size."`
	DefaultChunk       int           `default:"1024" env:"FOTA_DEFAULT_CHUNK" help:"Initial chunk size of a session."`
	InterruptedTimeout time.Duration `default:"10m" env:"FOTA_INTERRUPTED_TIMEOUT" help:"Evict interrupted sessions after this long."`
	AbsoluteTimeout    time.Duration `default:"2h" env:"FOTA_ABSOLUTE_TIMEOUT" help:"Evict any session after this long."`
	SweepInterval      time.Duration `default:"30s" env:"FOTA_SWEEP_INTERVAL" help:"Session sweep period."`

	WarmupRequests        int           `default:"8" env:"FOTA_WARMUP_REQUESTS" help:"Downloads before adaptive sizing engages."`
	RetryRatio            float64       `default:"0.25" env:"FOTA_RETRY_RATIO" help:"Retry share that halves the chunk size."`
	GrowBack              bool          `env:"FOTA_GROW_BACK" help:"Grow the chunk size again after a clean warm-up window."`
	MinCompressionSavings float64       `default:"0.10" env:"FOTA_MIN_COMPRESSION_SAVINGS" help:"Share compression must save to be used."`
	IdleTimeout           time.Duration `default:"2m" env:"FOTA_IDLE_TIMEOUT" help:"Close connections idle for this long."`

	MQTT MQTTFlags      `embed:"" prefix:"mqtt-"`
	Log  logflags.Flags `embed:"" prefix:"log-"`
}

// MQTTFlags configures release and session notifications.
type MQTTFlags struct {
	Broker      string `env:"FOTA_MQTT_BROKER" help:"MQTT broker URL; empty disables notifications."`
	Username    string `env:"FOTA_MQTT_USERNAME" help:"MQTT username."`
	Password    string `env:"FOTA_MQTT_PASSWORD" help:"MQTT password."`
	TLS         bool   `env:"FOTA_MQTT_TLS" help:"Use TLS for the broker connection."`
	ClientID    string `env:"FOTA_MQTT_CLIENT_ID" help:"MQTT client ID."`
	TopicPrefix string `default:"fota" env:"FOTA_MQTT_TOPIC_PREFIX" help:"MQTT topic prefix."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("fotad"),
		kong.Description("Resumable firmware update server."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "/etc/fota/fotad.json"),
	)
	kctx.FatalIfErrorf(cli.Run())
}

// Run starts the server and blocks until SIGINT or SIGTERM.
func (c *CLI) Run() error {
	log := c.Log.Logger(os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := backend.Open(backend.Kind(c.Store), c.StorePath)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", c.Store, err)
	}
	defer db.Close()

	cat, err := firmware.Open(firmware.Config{
		Dir:          c.FirmwareDir,
		Policy:       firmware.Policy(c.Policy),
		Index:        table.New(db, indexPrefix),
		CacheEntries: c.CacheEntries,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	reg := session.NewRegistry(session.Config{
		MinChunk:           c.MinChunk,
		MaxChunk:           c.MaxChunk,
		DefaultChunk:       c.DefaultChunk,
		InterruptedTimeout: c.InterruptedTimeout,
		AbsoluteTimeout:    c.AbsoluteTimeout,
		SweepInterval:      c.SweepInterval,
		Store:              db,
		Logger:             log,
	})
	if n, err := reg.Restore(); err != nil {
		log.Warn("restoring sessions", "error", err)
	} else if n > 0 {
		log.Info("restored sessions", "count", n)
	}
	// Blobs stay on disk while any session refers to them.
	reg.SetOnSweep(func([]session.Session) {
		if _, err := cat.Prune(reg.StorageRefs()); err != nil {
			log.Warn("pruning firmware blobs", "error", err)
		}
	})

	var (
		notifier  engine.Notifier
		announcer admin.Announcer
	)
	if c.MQTT.Broker != "" {
		n := mqtt.New(mqtt.Config{
			Broker:      c.MQTT.Broker,
			Username:    c.MQTT.Username,
			Password:    c.MQTT.Password,
			UseTLS:      c.MQTT.TLS,
			ClientID:    c.MQTT.ClientID,
			TopicPrefix: c.MQTT.TopicPrefix,
			Logger:      log,
		})
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		defer n.Stop()
		if a, err := cat.Latest(); err == nil {
			if err := n.PublishLatest(a); err != nil {
				log.Warn("announcing latest firmware", "error", err)
			}
		}
		notifier, announcer = n, n
		reg.SetOnEvict(func(s session.Session) {
			n.NotifySession(session.Event{Kind: session.EventEvicted, Session: s})
		})
	}

	eng, err := engine.New(engine.Config{
		Registry:              reg,
		Catalog:               cat,
		Notifier:              notifier,
		WarmupRequests:        c.WarmupRequests,
		RetryRatio:            c.RetryRatio,
		GrowBack:              c.GrowBack,
		MinCompressionSavings: c.MinCompressionSavings,
		IdleTimeout:           c.IdleTimeout,
		Logger:                log,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	go reg.Start(ctx)
	defer reg.Stop()

	run("protocol server", func() error { return eng.ListenAndServe(ctx, c.Listen) })
	if c.AdminListen != "" {
		srv, err := admin.New(admin.Config{
			Catalog:   cat,
			Registry:  reg,
			Counters:  eng.Counters(),
			Announcer: announcer,
			Logger:    log,
		})
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
		run("admin server", func() error { return srv.ListenAndServe(ctx, c.AdminListen) })
	}

	log.Info("fotad started", "listen", c.Listen, "admin", c.AdminListen,
		"firmware_dir", c.FirmwareDir, "policy", c.Policy, "store", c.Store)
	wg.Wait()
	close(errs)

	var result error
	for err := range errs {
		result = errors.Join(result, err)
	}
	log.Info("fotad stopped")
	return result
}
