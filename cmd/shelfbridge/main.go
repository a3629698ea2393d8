package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/shelfbridge"
	"github.com/glimte/shelfbridge/bridge"
	"github.com/glimte/shelfbridge/config"
	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "shelfbridge",
		Short: "Library RPC bridge over RabbitMQ",
		Long: `shelfbridge serves the library actions (authors and books) as
request/response RPC over RabbitMQ queues, and calls them from the command line.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (environment variables override it)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to load configuration: %w", err)
		}
		return cfg, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the request dispatcher and the health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, err := shelfbridge.NewService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	var call callOptions
	callCmd := &cobra.Command{
		Use:   "call",
		Short: "Send one request and print the response",
		Example: `  shelfbridge call --action get_authors --data '{"page":1,"size":5}'
  shelfbridge call --action create_book --version v2 --idempotency-key book-42 \
    --data '{"title":"Dune","isbn":"9780441013593","author_id":1}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			req, err := call.request()
			if err != nil {
				return err
			}

			pool, err := shelfbridge.NewClient(cfg, shelfbridge.WithPoolSize(1))
			if err != nil {
				return err
			}
			defer pool.Close()

			resp, err := pool.Call(cmd.Context(), req, call.timeout)
			if errors.Is(err, bridge.ErrNoResponse) {
				fmt.Fprintln(cmd.OutOrStdout(), "no response received (timeout)")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to call %s: %w", req.Action, err)
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	callCmd.Flags().StringVarP(&call.action, "action", "a", "", "Action name")
	callCmd.Flags().StringVarP(&call.data, "data", "d", "{}", "Request data as a JSON object")
	callCmd.Flags().StringVar(&call.version, "version", "v1", "Action version")
	callCmd.Flags().StringVar(&call.auth, "auth", "", "API key")
	callCmd.Flags().StringVar(&call.idempotencyKey, "idempotency-key", "", "Idempotency key")
	callCmd.Flags().StringVar(&call.fields, "fields", "", "Comma separated fields to return")
	callCmd.Flags().DurationVarP(&call.timeout, "timeout", "t", bridge.DefaultTimeout, "Time to wait for the response")
	_ = callCmd.MarkFlagRequired("action")

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare the request, response, error, retry and dead-letter queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			manager, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer manager.Close()

			topology := rabbitmq.NewTopology(cfg.RabbitMQ.QueuePrefix, cfg.Dispatcher.RetryDelay)
			if err := rabbitmq.NewTopologyManager(manager, cfg.Log.NewLogger()).DeclareTopology(cmd.Context(), topology); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}
			for _, q := range topology.Queues() {
				fmt.Fprintln(cmd.OutOrStdout(), q.Name)
			}
			return nil
		},
	}

	var interval time.Duration
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show message and consumer counts of the bridge queues",
		Long:  "Show message and consumer counts of the bridge queues. With --interval the table is refreshed until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			manager, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer manager.Close()

			topology := rabbitmq.NewTopology(cfg.RabbitMQ.QueuePrefix, cfg.Dispatcher.RetryDelay)
			inspector := rabbitmq.NewTopologyManager(manager, cfg.Log.NewLogger())
			out := cmd.OutOrStdout()

			printQueues(out, inspectQueues(inspector, topology))
			if interval <= 0 {
				return nil
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
					fmt.Fprintln(out)
					printQueues(out, inspectQueues(inspector, topology))
				}
			}
		},
	}
	queuesCmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Refresh interval; 0 prints once")

	var maxAge time.Duration
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove idempotency keys without expiry or with a TTL above --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := shelfbridge.OpenStore(cmd.Context(), cfg, cfg.Log.NewLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Sweep(cmd.Context(), maxAge)
			if err != nil {
				return fmt.Errorf("failed to sweep idempotency keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d idempotency keys\n", removed)
			return nil
		},
	}
	sweepCmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "Keys with a longer remaining TTL are removed")

	rootCmd.AddCommand(serveCmd, callCmd, topologyCmd, queuesCmd, sweepCmd)
	return rootCmd
}

func connect(ctx context.Context, cfg config.Config) (*rabbitmq.ConnectionManager, error) {
	manager := rabbitmq.NewConnectionManager(cfg.RabbitMQ.AMQPURL(),
		rabbitmq.WithLogger(cfg.Log.NewLogger()),
		rabbitmq.WithDialer(rabbitmq.NewDialer(cfg.RabbitMQ.Heartbeat)),
		rabbitmq.WithConnectAttempts(cfg.RabbitMQ.ConnectAttempts),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay))
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return manager, nil
}

type queueInspector interface {
	InspectQueue(name string) (amqp.Queue, error)
}

func inspectQueues(inspector queueInspector, topology rabbitmq.Topology) []queueRow {
	var rows []queueRow
	for _, q := range topology.Queues() {
		info, err := inspector.InspectQueue(q.Name)
		if err != nil {
			rows = append(rows, queueRow{Name: q.Name, State: "missing"})
			continue
		}
		rows = append(rows, queueRow{Name: q.Name, Messages: info.Messages, Consumers: info.Consumers, State: "ok"})
	}
	return rows
}

type callOptions struct {
	action         string
	data           string
	version        string
	auth           string
	idempotencyKey string
	fields         string
	timeout        time.Duration
}

func (o callOptions) request() (*contracts.RequestMessage, error) {
	data, err := parseData(o.data)
	if err != nil {
		return nil, err
	}
	req := contracts.NewRequest(o.action, o.version, data)
	req.Auth = o.auth
	req.IdempotencyKey = o.idempotencyKey
	req.Fields = o.fields
	return req, nil
}

// parseData decodes a JSON object, keeping numbers exact
func parseData(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	if dec.More() {
		return nil, errors.New("--data must be a single JSON object")
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// Output formatting functions

func printResponse(w io.Writer, resp *contracts.ResponseMessage) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}

type queueRow struct {
	Name      string
	Messages  int
	Consumers int
	State     string
}

func printQueues(w io.Writer, rows []queueRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No queues found")
		return
	}

	fmt.Fprintf(w, "%-40s %-10s %-10s %-10s\n", "Name", "Messages", "Consumers", "State")
	fmt.Fprintln(w, strings.Repeat("-", 73))

	for _, q := range rows {
		fmt.Fprintf(w, "%-40s %-10d %-10d %-10s\n",
			truncate(q.Name, 40),
			q.Messages,
			q.Consumers,
			q.State,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
