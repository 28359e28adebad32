// Command fota-device simulates an updatable device: it fetches firmware
// from fotad over TCP or a SIM800-style modem and stages it in a
// file-backed flash.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/device/flash"
	"github.com/kabili207/fota-go/device/updater"
	"github.com/kabili207/fota-go/internal/logflags"
	"github.com/kabili207/fota-go/transport"
	"github.com/kabili207/fota-go/transport/mqtt"
	"github.com/kabili207/fota-go/transport/serial"
	"github.com/kabili207/fota-go/transport/tcp"
)

// CLI is the fota-device command line.
type CLI struct {
	Config kong.ConfigFlag `help:"JSON config file." placeholder:"FILE"`

	Device   string `required:"" env:"FOTA_DEVICE_ID" help:"Device ID reported to the server."`
	Version  string `default:"1.0.0" env:"FOTA_CURRENT_VERSION" help:"Running firmware version."`
	FlashDir string `default:"./flash" env:"FOTA_FLASH_DIR" type:"path" help:"Directory of the simulated flash."`
	Capacity int64  `env:"FOTA_FLASH_CAPACITY" help:"Largest image the flash accepts; zero is unbounded."`

	Link   string      `enum:"tcp,serial" default:"tcp" env:"FOTA_LINK" help:"Link to the server (${enum})."`
	Server string      `default:"localhost:9000" env:"FOTA_SERVER" help:"Update server, host:port."`
	Serial SerialFlags `embed:"" prefix:"serial-"`

	HashType             string        `enum:"md5,sha256" default:"md5" env:"FOTA_HASH_TYPE" help:"Image digest (${enum})."`
	Compression          bool          `env:"FOTA_COMPRESSION" help:"Ask for compressed chunks."`
	ChunkSize            int           `env:"FOTA_CHUNK_SIZE" help:"Requested chunk size; zero uses the server's."`
	StagingSize          int           `default:"4096" env:"FOTA_STAGING_SIZE" help:"Bytes held back from flash before writing."`
	MaxChunkRetries      int           `default:"3" env:"FOTA_MAX_CHUNK_RETRIES" help:"Re-requests of one bad chunk."`
	MaxReconnectAttempts int           `default:"5" env:"FOTA_MAX_RECONNECT_ATTEMPTS" help:"Reconnects without progress before giving up."`
	ReconnectDelay       time.Duration `default:"2s" env:"FOTA_RECONNECT_DELAY" help:"Wait before the first reconnect; doubles per attempt."`
	MaxReconnectDelay    time.Duration `default:"30s" env:"FOTA_MAX_RECONNECT_DELAY" help:"Upper bound on the reconnect wait."`
	IOTimeout            time.Duration `default:"10s" env:"FOTA_IO_TIMEOUT" help:"Receive timeout."`
	SkipChunkCRC         bool          `env:"FOTA_SKIP_CHUNK_CRC" help:"Accept chunks without checking their CRCs."`

	Watch    bool          `env:"FOTA_WATCH" help:"Keep running and check again on release announcements."`
	Interval time.Duration `env:"FOTA_INTERVAL" help:"While watching, also check on this period; zero disables polling."`
	MQTT     MQTTFlags     `embed:"" prefix:"mqtt-"`

	Progress bool           `default:"true" negatable:"" env:"FOTA_PROGRESS" help:"Draw a progress bar on stderr."`
	Log      logflags.Flags `embed:"" prefix:"log-"`
}

// SerialFlags configures the modem link.
type SerialFlags struct {
	Port        string `env:"FOTA_SERIAL_PORT" help:"Serial port of the modem."`
	Baud        int    `default:"115200" env:"FOTA_SERIAL_BAUD" help:"Baud rate."`
	APN         string `env:"FOTA_APN" help:"GPRS access point name."`
	APNUser     string `env:"FOTA_APN_USER" help:"GPRS user."`
	APNPassword string `env:"FOTA_APN_PASSWORD" help:"GPRS password."`
}

// MQTTFlags configures the release subscription.
type MQTTFlags struct {
	Broker      string `env:"FOTA_MQTT_BROKER" help:"MQTT broker URL; empty disables announcements."`
	Username    string `env:"FOTA_MQTT_USERNAME" help:"MQTT username."`
	Password    string `env:"FOTA_MQTT_PASSWORD" help:"MQTT password."`
	TLS         bool   `env:"FOTA_MQTT_TLS" help:"Use TLS for the broker connection."`
	TopicPrefix string `default:"fota" env:"FOTA_MQTT_TOPIC_PREFIX" help:"MQTT topic prefix."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("fota-device"),
		kong.Description("Firmware update device simulator."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "/etc/fota/fota-device.json"),
	)
	kctx.FatalIfErrorf(cli.Run())
}

// Run performs one update, or keeps updating with --watch until SIGINT or
// SIGTERM.
func (c *CLI) Run() error {
	log := c.Log.Logger(os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	current, err := firmware.ParseVersion(c.Version)
	if err != nil {
		return err
	}
	hashType, err := codec.ParseHashKind(c.HashType)
	if err != nil {
		return err
	}

	fl, err := flash.NewFileFlash(c.FlashDir, c.Capacity, log)
	if err != nil {
		return err
	}

	link, closeLink, err := c.openLink(log)
	if err != nil {
		return err
	}
	defer closeLink()

	var bar *progressBar
	var onProgress updater.ProgressCallback
	if c.Progress {
		bar = newProgressBar(os.Stderr)
		onProgress = bar.update
	}

	client, err := updater.New(updater.Config{
		Link:  link,
		Flash: fl,
		Rebooter: flash.RebootFunc(func() error {
			log.Info("rebooting into new image", "image", fl.ActivePath())
			return nil
		}),
		DeviceID:             c.Device,
		CurrentVersion:       current,
		HashType:             hashType,
		Compression:          c.Compression,
		ChunkSize:            c.ChunkSize,
		StagingSize:          c.StagingSize,
		MaxChunkRetries:      c.MaxChunkRetries,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectDelay:       c.ReconnectDelay,
		MaxReconnectDelay:    c.MaxReconnectDelay,
		IOTimeout:            c.IOTimeout,
		SkipChunkCRC:         c.SkipChunkCRC,
		Progress:             onProgress,
		Logger:               log,
	})
	if err != nil {
		return err
	}

	update := func() error {
		res, err := client.Run(ctx)
		if bar != nil {
			bar.finish()
		}
		if err != nil {
			return err
		}
		if res.Updated {
			log.Info("update complete", "version", res.Version, "bytes", res.Bytes, "chunks", res.Chunks,
				"retries", res.Retries, "reconnects", res.Reconnects)
		} else {
			log.Info("no update", "running", client.Version())
		}
		return nil
	}

	if !c.Watch {
		return update()
	}

	trigger := make(chan struct{}, 1)
	if c.MQTT.Broker != "" {
		n := mqtt.New(mqtt.Config{
			Broker:      c.MQTT.Broker,
			Username:    c.MQTT.Username,
			Password:    c.MQTT.Password,
			UseTLS:      c.MQTT.TLS,
			ClientID:    "fota-device-" + c.Device,
			TopicPrefix: c.MQTT.TopicPrefix,
			Logger:      log,
		})
		n.SetReleaseHandler(func(r mqtt.Release) {
			log.Info("release announced", "name", r.Name, "version", r.Version)
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		defer n.Stop()
	}

	var tick <-chan time.Time
	if c.Interval > 0 {
		ticker := time.NewTicker(c.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if err := update(); err != nil && ctx.Err() == nil {
			log.Error("update attempt failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
		case <-tick:
		}
	}
}

// openLink builds the configured link. The returned func releases it.
func (c *CLI) openLink(log *slog.Logger) (transport.Link, func(), error) {
	switch c.Link {
	case "serial":
		if c.Serial.Port == "" {
			return nil, nil, fmt.Errorf("--serial-port is required for the serial link")
		}
		l := serial.New(serial.Config{
			Port:        c.Serial.Port,
			BaudRate:    c.Serial.Baud,
			Addr:        c.Server,
			APN:         c.Serial.APN,
			APNUser:     c.Serial.APNUser,
			APNPassword: c.Serial.APNPassword,
			Logger:      log,
		})
		return l, func() { _ = l.Stop() }, nil
	default:
		l := tcp.New(tcp.Config{Addr: c.Server, Logger: log})
		return l, func() { _ = l.Close() }, nil
	}
}
