package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/treasurer/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// dbCommands read the transfer journal directly, bypassing the server.
func dbCommands() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Transfer journal inspection commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
		Subcommands: []*cli.Command{
			dbListTransfersCommand(),
			dbGetTransferCommand(),
		},
	}
}

func dbListTransfersCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transfers",
		Usage:   "List journaled transfers",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, confirmed, failed, timeout)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transfers",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			transfers, err := store.ListTransfers(c.Context, db.ListTransfersParams{
				Status: c.String("status"),
				Limit:  int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}

			return render(c, transfers, func(w io.Writer) {
				if len(transfers) == 0 {
					fmt.Fprintln(w, "No transfers found")
					return
				}
				for i, t := range transfers {
					if i > 0 {
						fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
					}
					printJournalTransfer(w, t)
				}
				fmt.Fprintf(w, "\nTotal: %d transfers\n", len(transfers))
			})
		},
	}
}

func dbGetTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transfer",
		Usage:     "Get a journaled transfer by hash",
		ArgsUsage: "<tx-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one argument: transaction hash")
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			t, err := store.GetTransfer(c.Context, c.Args().First())
			if errors.Is(err, db.ErrTransferNotFound) {
				return fmt.Errorf("transfer %s not found", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}
			return render(c, t, func(w io.Writer) { printJournalTransfer(w, t) })
		},
	}
}

// getStore connects to the journal database.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

func printJournalTransfer(w io.Writer, t *db.Transfer) {
	fmt.Fprintf(w, "Tx Hash:     %s\n", t.TxHash)
	fmt.Fprintf(w, "Kind:        %s\n", t.Kind)
	fmt.Fprintf(w, "From:        %s\n", t.FromAddress)
	fmt.Fprintf(w, "To:          %s\n", t.ToAddress)
	if t.AmountWei != nil {
		fmt.Fprintf(w, "Amount:      %s ETH ($%s)\n", decimal.NewFromBigInt(t.AmountWei, -18).String(), t.AmountUSD.StringFixed(2))
	}
	fmt.Fprintf(w, "Status:      %s\n", t.Status)
	if t.BlockNumber != nil {
		fmt.Fprintf(w, "Block:       %d\n", *t.BlockNumber)
	}
	if t.Error != nil {
		fmt.Fprintf(w, "Error:       %s\n", *t.Error)
	}
	fmt.Fprintf(w, "Endpoint:    %s\n", t.Endpoint)
	fmt.Fprintf(w, "Created At:  %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated At:  %s\n", t.UpdatedAt.Format(time.RFC3339))
}
