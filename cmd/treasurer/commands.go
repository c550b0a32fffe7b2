package main

import (
	"fmt"
	"io"
	"time"

	"github.com/brojonat/treasurer/client"
	"github.com/urfave/cli/v2"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show treasury and ledger status (may trigger auto-recycle)",
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			status, err := cl.Status(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			return render(c, status, func(w io.Writer) {
				fmt.Fprintf(w, "Blockchain:       %s", status.Blockchain)
				if status.Endpoint != "" {
					fmt.Fprintf(w, " (%s)", status.Endpoint)
				}
				fmt.Fprintln(w)
				fmt.Fprintf(w, "Treasury:         %s\n", status.TreasuryWallet)
				fmt.Fprintf(w, "Coinbase:         %s\n", status.CoinbaseWallet)
				fmt.Fprintf(w, "Balance:          %s ETH ($%s)\n", status.TreasuryBalance, status.TreasuryBalanceUSD)
				fmt.Fprintf(w, "Can withdraw:     %s\n", yesNo(status.CanWithdraw))
				fmt.Fprintf(w, "Can sign:         %s\n", yesNo(status.CanSign))
				fmt.Fprintf(w, "Earnings:         $%s\n", status.TotalEarnings)
				fmt.Fprintf(w, "Withdrawn:        $%s\n", status.TotalWithdrawnToCoinbase)
				fmt.Fprintf(w, "Sent to backend:  $%s\n", status.TotalSentToBackend)
				fmt.Fprintf(w, "Recycled:         $%s\n", status.TotalRecycled)
				fmt.Fprintf(w, "Auto-recycle:     %s\n", yesNo(status.AutoRecycleEnabled))
				fmt.Fprintf(w, "RPC endpoints:    %d\n", status.RPCEndpoints)
				if status.Recycle != nil {
					printRecycle(w, status.Recycle)
				}
			})
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			health, err := cl.Health(c.Context)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			return render(c, health, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Server is %s\n", health.Status)
				fmt.Fprintf(w, "  URL:       %s\n", c.String("server-url"))
				fmt.Fprintf(w, "  Connected: %s\n", yesNo(health.Connected))
				fmt.Fprintf(w, "  Balance:   %s ETH\n", health.TreasuryBalance)
			})
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show the treasury balance and the largest withdrawable amount",
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			balance, err := cl.Balance(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			return render(c, balance, func(w io.Writer) { printBalance(w, balance) })
		},
	}
}

func earningsCommand() *cli.Command {
	return &cli.Command{
		Name:  "earnings",
		Usage: "Show the earnings ledger",
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			earnings, err := cl.Earnings(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get earnings: %w", err)
			}

			return render(c, earnings, func(w io.Writer) {
				fmt.Fprintf(w, "Earnings:         $%s\n", earnings.TotalEarnings)
				fmt.Fprintf(w, "Withdrawn:        $%s\n", earnings.TotalWithdrawnToCoinbase)
				fmt.Fprintf(w, "Sent to backend:  $%s\n", earnings.TotalSentToBackend)
				fmt.Fprintf(w, "Recycled:         $%s\n", earnings.TotalRecycled)
				fmt.Fprintf(w, "Available:        %s ETH (at $%s/ETH)\n", earnings.AvailableETH, earnings.ETHPrice)
			})
		},
	}
}

func creditCommand() *cli.Command {
	return &cli.Command{
		Name:      "credit",
		Usage:     "Credit earnings in USD",
		ArgsUsage: "<amount-usd>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one argument: amount in USD")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			result, err := cl.CreditEarnings(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to credit earnings: %w", err)
			}

			return render(c, result, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Credited $%s (total earnings: $%s)\n", result.Credited, result.TotalEarnings)
			})
		},
	}
}

func withdrawCommand() *cli.Command {
	return &cli.Command{
		Name:  "withdraw",
		Usage: "Withdraw ETH from the treasury and wait for confirmation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "amount-eth",
				Usage: "Amount in ETH",
			},
			&cli.StringFlag{
				Name:  "amount-usd",
				Usage: "Amount in USD (converted at the configured ETH price)",
			},
			&cli.StringFlag{
				Name:  "to",
				Usage: "Destination address (defaults to the coinbase wallet)",
			},
		},
		Action: func(c *cli.Context) error {
			req := client.WithdrawRequest{
				AmountETH: c.String("amount-eth"),
				AmountUSD: c.String("amount-usd"),
				To:        c.String("to"),
			}
			if req.AmountETH == "" && req.AmountUSD == "" {
				return fmt.Errorf("must specify --amount-eth or --amount-usd")
			}

			cl, err := getClient(c)
			if err != nil {
				return err
			}
			transfer, err := cl.Withdraw(c.Context, req)
			if err != nil {
				return fmt.Errorf("withdrawal failed: %w", err)
			}
			return render(c, transfer, func(w io.Writer) { printTransfer(w, transfer) })
		},
	}
}

func fundBackendCommand() *cli.Command {
	return &cli.Command{
		Name:  "fund-backend",
		Usage: "Allocate earnings to the backend (no on-chain transaction)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "amount-eth",
				Usage: "Amount in ETH",
			},
			&cli.StringFlag{
				Name:  "amount-usd",
				Usage: "Amount in USD",
			},
		},
		Action: func(c *cli.Context) error {
			req := client.AllocateRequest{
				AmountETH: c.String("amount-eth"),
				AmountUSD: c.String("amount-usd"),
			}
			if req.AmountETH == "" && req.AmountUSD == "" {
				return fmt.Errorf("must specify --amount-eth or --amount-usd")
			}

			cl, err := getClient(c)
			if err != nil {
				return err
			}
			alloc, err := cl.FundBackend(c.Context, req)
			if err != nil {
				return fmt.Errorf("allocation failed: %w", err)
			}

			return render(c, alloc, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Allocated %s ETH ($%s) to backend\n", alloc.AmountETH, alloc.AmountUSD)
				fmt.Fprintf(w, "  Earnings:        $%s\n", alloc.TotalEarnings)
				fmt.Fprintf(w, "  Sent to backend: $%s\n", alloc.TotalSentToBackend)
			})
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Send ETH to the coinbase wallet (everything above the fee reserve by default)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "amount-eth",
				Usage: "Amount in ETH (omit to send the maximum)",
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			transfer, err := cl.SweepToCoinbase(c.Context, c.String("amount-eth"))
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			return render(c, transfer, func(w io.Writer) { printTransfer(w, transfer) })
		},
	}
}

func recycleNowCommand() *cli.Command {
	return &cli.Command{
		Name:  "now",
		Usage: "Run the auto-recycle check immediately",
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			outcome, err := cl.RecycleNow(c.Context)
			if err != nil {
				return fmt.Errorf("recycle failed: %w", err)
			}
			return render(c, outcome, func(w io.Writer) { printRecycle(w, outcome) })
		},
	}
}

func toggleRecycleCommand() *cli.Command {
	return &cli.Command{
		Name:  "toggle",
		Usage: "Enable or disable auto-recycle",
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			enabled, err := cl.ToggleAutoRecycle(c.Context)
			if err != nil {
				return fmt.Errorf("failed to toggle auto-recycle: %w", err)
			}

			out := map[string]bool{"autoRecycleEnabled": enabled}
			return render(c, out, func(w io.Writer) {
				if enabled {
					fmt.Fprintln(w, "✓ Auto-recycle enabled")
				} else {
					fmt.Fprintln(w, "✓ Auto-recycle disabled")
				}
			})
		},
	}
}

func listTransfersCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List journaled transfers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, confirmed, failed, timeout)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of transfers to return",
				Value: 50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of transfers to skip",
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			list, err := cl.ListTransfers(c.Context, c.String("status"), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}

			return render(c, list, func(w io.Writer) {
				if len(list.Transfers) == 0 {
					fmt.Fprintln(w, "No transfers found")
					return
				}
				for _, t := range list.Transfers {
					fmt.Fprintf(w, "%s  %-9s  %-10s  %s ETH  $%s  -> %s\n",
						t.CreatedAt.Format(time.RFC3339), t.Status, t.Kind, t.AmountETH, t.AmountUSD, t.To)
					fmt.Fprintf(w, "  %s\n", t.TxHash)
				}
				fmt.Fprintf(w, "\n%d transfer(s)\n", list.Count)
			})
		},
	}
}

func getTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Look up a transfer by hash",
		ArgsUsage: "<tx-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one argument: transaction hash")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			status, err := cl.GetTransfer(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			return render(c, status, func(w io.Writer) {
				fmt.Fprintf(w, "Transaction: %s\n", status.TxHash)
				fmt.Fprintf(w, "Status:      %s\n", status.Status)
				if status.BlockNumber > 0 {
					fmt.Fprintf(w, "Block:       %d\n", status.BlockNumber)
					fmt.Fprintf(w, "Gas used:    %d\n", status.GasUsed)
				}
				fmt.Fprintf(w, "Explorer:    %s\n", status.EtherscanURL)
				if j := status.Journal; j != nil {
					fmt.Fprintf(w, "Amount:      %s ETH ($%s)\n", j.AmountETH, j.AmountUSD)
					fmt.Fprintf(w, "To:          %s\n", j.To)
					if j.Error != nil {
						fmt.Fprintf(w, "Error:       %s\n", *j.Error)
					}
				}
			})
		},
	}
}

func reconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconnect",
		Usage: "Drop the server's chain connection and select a live endpoint again",
		Action: func(c *cli.Context) error {
			cl, err := getClient(c)
			if err != nil {
				return err
			}
			balance, err := cl.Reconnect(c.Context)
			if err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			return render(c, balance, func(w io.Writer) { printBalance(w, balance) })
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "treasurer CLI\n")
			fmt.Fprintf(w, "  Version: %s\n", version)
			fmt.Fprintf(w, "  Commit:  %s\n", commit)
			fmt.Fprintf(w, "  Built:   %s\n", date)
			return nil
		},
	}
}

func printBalance(w io.Writer, b *client.Balance) {
	fmt.Fprintf(w, "Treasury:          %s\n", b.TreasuryWallet)
	if b.Connected {
		fmt.Fprintf(w, "Endpoint:          %s\n", b.Endpoint)
	} else {
		fmt.Fprintln(w, "Endpoint:          (disconnected)")
	}
	fmt.Fprintf(w, "Balance:           %s ETH ($%s)\n", b.BalanceETH, b.BalanceUSD)
	fmt.Fprintf(w, "Max withdrawable:  %s ETH\n", b.MaxWithdrawable)
	fmt.Fprintf(w, "Fee reserve:       %s ETH\n", b.FeeReserve)
}

func printTransfer(w io.Writer, t *client.Transfer) {
	fmt.Fprintf(w, "✓ Sent %s ETH ($%s)\n", t.AmountETH, t.AmountUSD)
	fmt.Fprintf(w, "  From:     %s\n", t.From)
	fmt.Fprintf(w, "  To:       %s\n", t.To)
	fmt.Fprintf(w, "  Tx:       %s\n", t.TxHash)
	fmt.Fprintf(w, "  Block:    %d\n", t.BlockNumber)
	fmt.Fprintf(w, "  Explorer: %s\n", t.EtherscanURL)
}

func printRecycle(w io.Writer, r *client.RecycleOutcome) {
	if r.Recycled {
		fmt.Fprintf(w, "✓ Recycled %s ETH ($%s), remaining earnings $%s\n", r.RecycledETH, r.RecycledUSD, r.RemainingEarnings)
		return
	}
	fmt.Fprintf(w, "Recycle skipped: %s", r.Reason)
	if r.Message != "" {
		fmt.Fprintf(w, " (%s)", r.Message)
	}
	fmt.Fprintln(w)
}
