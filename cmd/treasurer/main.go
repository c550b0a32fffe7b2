package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "treasurer",
		Usage: "ETH treasury and earnings ledger CLI",
		Description: `A command-line tool for operating the treasurer service.

Use this CLI to inspect the treasury balance and earnings ledger, withdraw ETH,
fund the backend allocation, and control auto-recycle.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			statusCommand(),
			healthCommand(),
			balanceCommand(),
			earningsCommand(),
			creditCommand(),
			withdrawCommand(),
			fundBackendCommand(),
			sweepCommand(),
			{
				Name:  "recycle",
				Usage: "Auto-recycle commands",
				Subcommands: []*cli.Command{
					recycleNowCommand(),
					toggleRecycleCommand(),
				},
			},
			{
				Name:  "transfers",
				Usage: "Transfer journal commands",
				Subcommands: []*cli.Command{
					listTransfersCommand(),
					getTransferCommand(),
				},
			},
			reconnectCommand(),
			dbCommands(),
			eventsCommands(),
			versionCommand(),
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Treasurer server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied to the JSON output (implies --json)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "HTTP request timeout (withdrawals block until mined)",
				Value: 0,
			},
		},
	}
}
