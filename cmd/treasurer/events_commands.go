package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/treasurer/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// eventsCommands stream ledger events from the TREASURY JetStream stream.
func eventsCommands() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Ledger event streaming commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
		},
		Subcommands: []*cli.Command{
			subscribeCommand(),
			inspectStreamCommand(),
		},
	}
}

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream ledger events",
		ArgsUsage: "[event-type]",
		Description: `Subscribe to ledger events published to NATS JetStream.

Events are published to treasury.{type} where type is one of credit,
withdrawal, allocation or recycle. Without an argument every type is streamed.

Example:
  treasurer events subscribe withdrawal --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "treasurer-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() > 0 {
				subject = natspkg.SubjectPrefix + c.Args().First()
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			cons, err := js.CreateOrUpdateConsumer(c.Context, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			w := c.App.Writer
			if !jsonOutput {
				fmt.Fprintf(w, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(w, "\nWaiting for ledger events... (Ctrl-C to exit)\n\n")
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer consumeCtx.Stop()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			count := 0
			for {
				select {
				case msg := <-msgChan:
					var event natspkg.LedgerEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
						msg.Ack()
						continue
					}
					count++

					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Fprintln(w, string(data))
					} else {
						printLedgerEvent(w, count, &event)
					}
					msg.Ack()

				case <-sigChan:
					if !jsonOutput {
						fmt.Fprintf(w, "\n\n✅ Received %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the TREASURY JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return render(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
				fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
				fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
				fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
				fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			})
		},
	}
}

func printLedgerEvent(w io.Writer, n int, e *natspkg.LedgerEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Event #%d: %s\n", n, e.Type)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Amount:       %s ETH ($%s)\n", e.AmountETH.String(), e.AmountUSD.StringFixed(2))
	if e.TxHash != "" {
		fmt.Fprintf(w, "Tx Hash:      %s\n", e.TxHash)
		fmt.Fprintf(w, "Block:        %d\n", e.BlockNumber)
	}
	if e.Destination != "" {
		fmt.Fprintf(w, "Destination:  %s\n", e.Destination)
	}
	fmt.Fprintf(w, "Earnings:     $%s\n", e.Totals.TotalEarnings.StringFixed(2))
	fmt.Fprintf(w, "Withdrawn:    $%s\n", e.Totals.TotalWithdrawnExternal.StringFixed(2))
	fmt.Fprintf(w, "Allocated:    $%s\n", e.Totals.TotalAllocatedInternal.StringFixed(2))
	fmt.Fprintf(w, "Recycled:     $%s\n", e.Totals.TotalRecycled.StringFixed(2))
	fmt.Fprintf(w, "Published:    %s\n\n", e.PublishedAt.Format(time.RFC3339))
}
