package main

import (
	"os"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/tradefleet/fleetd/build"
	"github.com/tradefleet/fleetd/node/config"
)

var log = logging.Logger("fleetd")

func main() {
	app := &cli.App{
		Name:    "fleetd",
		Usage:   "trading-bot fleet discovery and provisioning tracker",
		Version: build.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Usage:   "fleetd repo directory",
				Value:   "~/.fleetd",
				EnvVars: []string{"FLEETD_PATH"},
			},
		},
		Commands: []*cli.Command{
			runCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Print the default configuration",
	Action: func(cctx *cli.Context) error {
		return toml.NewEncoder(cctx.App.Writer).Encode(config.DefaultFleetd())
	},
}
