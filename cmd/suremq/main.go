package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	suremq "github.com/suremq/suremq-go"
	"github.com/suremq/suremq-go/contracts"
	"github.com/suremq/suremq-go/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "suremq",
		Short: "Publish and subscribe through the suremq resilient MQTT client",
		Long: `suremq is a CLI front end for the suremq client library. Outbound
messages are persisted locally before publishing and survive broker
outages and process restarts.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML configuration file (SUREMQ_* env vars override)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var (
		level  int
		retain bool
		ttl    time.Duration
		wait   time.Duration
	)
	sendCmd := &cobra.Command{
		Use:   "send <topic> <payload>",
		Short: "Persist and publish a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := waitForConnection(client, wait); err != nil {
				return err
			}

			id, err := client.Send(context.Background(), args[0], []byte(args[1]),
				contracts.DeliveryLevel(level), retain, ttl)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}

			if contracts.DeliveryLevel(level) == contracts.AtMostOnce {
				fmt.Printf("sent %s\n", id)
				return nil
			}
			return waitForSettlement(client, id, wait)
		},
	}
	sendCmd.Flags().IntVarP(&level, "level", "l", 1, "Delivery level: 0 at-most-once, 1 at-least-once, 2 exactly-once")
	sendCmd.Flags().BoolVarP(&retain, "retain", "r", false, "Ask the broker to retain the message")
	sendCmd.Flags().DurationVar(&ttl, "ttl", 0, "Discard the message if undelivered after this duration (0 = never)")
	sendCmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for connection and acknowledgment")

	var subLevel int
	subscribeCmd := &cobra.Command{
		Use:   "subscribe <pattern>",
		Short: "Print messages matching a topic pattern until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := waitForConnection(client, 30*time.Second); err != nil {
				return err
			}

			err = client.Subscribe(context.Background(), args[0],
				contracts.DeliveryLevel(subLevel), func(msg contracts.Message) {
					fmt.Printf("%s %s %s\n",
						msg.ReceivedAt.Format(time.RFC3339), msg.Topic, msg.Payload)
				})
			if err != nil {
				return err
			}
			// Wildcard patterns deliver through the catch-all
			client.OnMessage(func(msg contracts.Message) {
				fmt.Printf("%s %s %s\n",
					msg.ReceivedAt.Format(time.RFC3339), msg.Topic, msg.Payload)
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	subscribeCmd.Flags().IntVarP(&subLevel, "level", "l", 1, "Delivery level to request")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queued, in-flight and settled message counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := client.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("state:        %s\n", stats.State)
			fmt.Printf("breaker:      %s\n", stats.BreakerState)
			fmt.Printf("pending:      %d\n", stats.Pending)
			fmt.Printf("sent:         %d\n", stats.Sent)
			fmt.Printf("acknowledged: %d\n", stats.Acknowledged)
			fmt.Printf("failed:       %d\n", stats.Failed)
			fmt.Printf("expired:      %d\n", stats.Expired)
			return nil
		},
	}

	rootCmd.AddCommand(sendCmd, subscribeCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient(configPath string, verbose bool) (*suremq.Client, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return suremq.NewClientFromFile(configPath, suremq.WithLogger(logger))
}

// waitForConnection connects and blocks until the client is either
// connected or faulted
func waitForConnection(client *suremq.Client, timeout time.Duration) error {
	done := make(chan messaging.ConnectionState, 1)
	client.OnConnectionStateChanged(func(change messaging.StateChange) {
		if change.To == messaging.StateConnected || change.To == messaging.StateFaulted {
			select {
			case done <- change.To:
			default:
			}
		}
	})

	client.Connect()

	select {
	case state := <-done:
		if state == messaging.StateFaulted {
			return fmt.Errorf("connection attempts exhausted; messages stay queued locally")
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for connection after %s", timeout)
	}
}

// waitForSettlement polls until the message is acknowledged or reaches a
// terminal failure
func waitForSettlement(client *suremq.Client, id string, timeout time.Duration) error {
	failed := make(chan string, 1)
	client.OnDeliveryFailure(func(failedID, topic, reason string) {
		if failedID == id {
			select {
			case failed <- reason:
			default:
			}
		}
	})

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := client.Stats(context.Background())
			if err != nil {
				return err
			}
			if stats.Acknowledged > 0 {
				fmt.Printf("delivered %s\n", id)
				return nil
			}
		case reason := <-failed:
			return fmt.Errorf("delivery failed: %s", reason)
		case <-deadline:
			return fmt.Errorf("no acknowledgment after %s; message stays queued", timeout)
		}
	}
}
