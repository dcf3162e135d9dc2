package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wormhole-mailbox/config"
	"wormhole-mailbox/log"
	"wormhole-mailbox/relay"

	"github.com/urfave/cli"
)

const (
	//Version holds the CLI application version
	Version = "0.1.0"
)

const usageText = `wormhole-mailbox [global options...] [command]

   Default command is "serve".
   If the config option is provided, then all the other options are
   ignored and the json file is used instead.
`

func main() {
	app := cli.NewApp()
	app.Name = "Magic Wormhole Mailbox Server"
	app.Usage = "rendezvous server connecting wormhole clients and relaying their key-exchange messages"
	app.UsageText = usageText
	app.HelpName = "wormhole-mailbox"
	app.Version = Version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration JSON `FILE` to use instead of options (empty = no config)",
		},

		cli.StringFlag{
			Name:  "host",
			Usage: "`HOST` address or IP for the listening interface",
			Value: config.DefaultOptions.Relay.Host,
		},
		cli.UintFlag{
			Name:  "port, p",
			Usage: "`PORT` number to listen on",
			Value: config.DefaultOptions.Relay.Port,
		},

		cli.StringFlag{
			Name:  "channel-db, d",
			Usage: "path to the channel SQLite database `FILE`",
			Value: config.DefaultOptions.Relay.ChannelDB,
		},
		cli.StringFlag{
			Name:  "usage-db",
			Usage: "path to the usage SQLite database `FILE` (empty disables usage recording)",
		},
		cli.UintFlag{
			Name:  "blur-usage",
			Usage: "round recorded access times down to multiples of `SECONDS` to improve privacy",
		},

		cli.StringFlag{
			Name:  "motd",
			Usage: "`MESSAGE` of the day to display to clients",
		},
		cli.StringFlag{
			Name:  "signal-error",
			Usage: "`MESSAGE` that makes every connecting client display it and abort",
		},
		cli.StringFlag{
			Name:  "advertise-version",
			Usage: "which client `VERSION` to recommend",
		},
		cli.BoolFlag{
			Name:  "disallow-list",
			Usage: "refuse to answer the 'list' request with allocated nameplates",
		},

		cli.UintFlag{
			Name:  "cleaning-interval, C",
			Usage: "time inbetween pruning passes over idle channels in `SECONDS`",
			Value: config.DefaultOptions.Relay.CleaningInterval,
		},
		cli.UintFlag{
			Name:  "channel-expiration, e",
			Usage: "channel idle expiration time in `SECONDS` (should be larger then the cleaning interval)",
			Value: config.DefaultOptions.Relay.ChannelExpiration,
		},

		cli.StringSliceFlag{
			Name:  "websocket-protocol-option",
			Usage: "websocket transport option as `OPTION=JSON-VALUE`, may be repeated",
		},

		cli.StringFlag{
			Name:  "log, l",
			Usage: "`FILE` to write usage/error logs to (empty does not write logs)",
			Value: config.DefaultOptions.Logging.Path,
		},
		cli.IntFlag{
			Name:  "log-fd",
			Usage: "inherited file descriptor `FD` to write JSON logs to (wins over --log)",
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
			Usage:  "run the mailbox server (default command)",
			Action: runServer,
			Flags:  app.Flags,
		},

		cli.Command{
			Name:   "clean",
			Usage:  "run a single pruning pass over the channel database and exit",
			Action: runClean,
			Flags:  app.Flags,
		},
	}
	app.Action = runServer

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

//loadOptions compiles the effective configuration and spins up logging
func loadOptions(c *cli.Context) (config.Options, error) {
	opts, err := config.NewOptions(nil, c.String("config"), c)
	if err != nil {
		return opts, err
	}

	if err = log.Initialize(opts.Logging); err != nil {
		return opts, err
	}
	return opts, nil
}

func runServer(c *cli.Context) error {
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}

	srv, err := relay.New(opts.Relay)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("interrupt received, shutting down")
		cancel()
	}()

	return srv.Run(ctx)
}

func runClean(c *cli.Context) error {
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}

	srv, err := relay.New(opts.Relay)
	if err != nil {
		return err
	}

	srv.CleanNow()
	return srv.Close()
}
