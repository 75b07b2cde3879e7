package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const flagConfig = "config"

func main() {
	app := &cli.App{
		Name:  "warmerd",
		Usage: "keep cached query results warm on a schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "./warmerd.yaml",
				Usage:   "path to the config file (yaml or json)",
				EnvVars: []string{"WARMERD_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			cycleCommand(),
			queueCommand(),
			registerCommand(),
			unregisterCommand(),
			triggersCommand(),
			cachedCommand(),
		},
		DefaultCommand: "run",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
