package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"tunnelbroker/blob"
	"tunnelbroker/config"
	"tunnelbroker/db"
	"tunnelbroker/log"
	"tunnelbroker/relay"
)

const (
	//Version holds the CLI application version
	Version = "0.1.0"
)

const usageText = `tunnelbroker [global options...] [command]

   Default command is "serve".
   If the config option is provided, then all the other options are
   ignored and the json file is used instead. Credentials (token
   secret, blob store keys) are always read from the environment.
`

func main() {
	//A missing .env is fine; the environment may already be set
	godotenv.Load()

	app := cli.NewApp()
	app.Name = "Tunnel Broker"
	app.Usage = "durably queue and relay end-to-end-encrypted device messages"
	app.UsageText = usageText
	app.HelpName = "tunnelbroker"
	app.Version = Version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration JSON `FILE` to use instead of options (empty = no config)",
		},

		cli.StringFlag{
			Name:  "host",
			Usage: "`HOST` address or IP for the listening interface",
			Value: config.DefaultOptions.Broker.Host,
		},
		cli.UintFlag{
			Name:  "port",
			Usage: "`PORT` number to listen on",
			Value: config.DefaultOptions.Broker.Port,
		},

		cli.StringFlag{
			Name:  "db, d",
			Usage: "path to SQLite database `FILE`",
			Value: config.DefaultOptions.Storage.DBFile,
		},
		cli.StringFlag{
			Name:  "advert-version",
			Usage: "which `VERSION` to recommend to clients",
		},

		cli.UintFlag{
			Name:  "message-ttl, t",
			Usage: "queued message expiry window in `SECONDS`",
			Value: config.DefaultOptions.Broker.MessageTTL,
		},
		cli.UintFlag{
			Name:  "sweep-interval, s",
			Usage: "time between expiry sweeps in `SECONDS` (should be smaller than the TTL)",
			Value: config.DefaultOptions.Broker.SweepInterval,
		},

		cli.StringFlag{
			Name:  "blob-endpoint",
			Usage: "S3-compatible `ENDPOINT` for the payload blob store (empty = AWS default)",
		},
		cli.StringFlag{
			Name:  "blob-bucket",
			Usage: "`BUCKET` holding out-of-line payload fragments",
			Value: config.DefaultOptions.Blob.Bucket,
		},

		cli.StringFlag{
			Name:  "log, l",
			Usage: "`FILE` to write usage/error logs to (empty does not write logs)",
			Value: config.DefaultOptions.Logging.Path,
		},
		cli.StringFlag{
			Name:  "log-level, L",
			Usage: "logging `LEVEL` to use options are [DEBUG|INFO|WARN|ERROR]",
			Value: config.DefaultOptions.Logging.Level,
		},
	}

	app.Commands = []cli.Command{
		cli.Command{
			Name:   "serve",
			Usage:  "run the broker (default command)",
			Action: runServe,
			Flags:  app.Flags,
		},

		cli.Command{
			Name:   "sweep",
			Usage:  "run one expiry sweep against the database and exit",
			Action: runSweep,
			Flags:  app.Flags,
		},
	}

	app.Action = runServe

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

//initialize loads the configuration and starts logging
func initialize(c *cli.Context) (config.Options, error) {
	cfg, err := config.NewOptions(nil, c.String("config"), c)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse configuration options; error = %s", err.Error())
	}

	if err := log.Initialize(cfg.Logging); err != nil {
		return cfg, fmt.Errorf("failed to startup due to logging issue; error = %s", err.Error())
	}
	log.Info("initialized logging")

	return cfg, nil
}

//openDeps constructs the injected dependencies: the database and the
//payload blob store. The caller owns closing the database.
func openDeps(cfg config.Options) (*db.DB, blob.Store, error) {
	database, err := db.Open(cfg.Storage.DBFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database; error = %s", err.Error())
	}

	blobs, err := blob.NewS3Store(context.Background(), cfg.Blob)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to build blob store; error = %s", err.Error())
	}

	return database, blobs, nil
}

func runServe(c *cli.Context) error {
	cfg, err := initialize(c)
	if err != nil {
		return err
	}

	database, blobs, err := openDeps(cfg)
	if err != nil {
		log.Err("failed to start broker", err)
		return err
	}

	server := relay.NewServer(cfg, database, blobs)
	server.Start()

	blockUntilSignal()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	return server.Shutdown(ctx)
}

func runSweep(c *cli.Context) error {
	cfg, err := initialize(c)
	if err != nil {
		return err
	}

	database, blobs, err := openDeps(cfg)
	if err != nil {
		log.Err("failed to open broker resources", err)
		return err
	}
	defer database.Close()

	server := relay.NewServer(cfg, database, blobs)

	n, err := server.Service().ExpirySweep(context.Background())
	if err != nil {
		log.Err("failed to sweep expired messages", err)
		return err
	}

	log.Infof("removed %d expired messages", n)
	return nil
}

//blockUntilSignal holds the main goroutine until an OS interrupt
func blockUntilSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info("closing due to interrupt")
}
