// Command zlock runs the ticket-seller exercise against a coordination
// store and serves lock queue inspection endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var rootCmd = &cobra.Command{
	Use:           "zlock",
	Short:         "fair and unfair distributed locks on a coordination store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		setupLogging(viper.GetString("log-level"))
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("backend", "memory", "coordination store: memory, redis or zookeeper")
	f.String("redis-addr", "localhost:6379", "Redis address for the redis backend")
	f.String("bus", "redis", "node event transport for the redis backend: redis, nats or kafka")
	f.String("bus-topic", "", "topic carrying node events (backend default when empty)")
	f.String("nats-url", "nats://localhost:4222", "NATS URL when --bus=nats")
	f.String("kafka-brokers", "localhost:9092", "comma separated Kafka brokers when --bus=kafka")
	f.Int("breaker-threshold", 0, "open the event bus circuit after this many failed publishes (0 disables)")
	f.Duration("breaker-timeout", defaultBreakerTimeout, "how long the event bus circuit stays open")
	f.Duration("session-ttl", defaultSessionTTL, "session timeout for redis and zookeeper sessions")
	f.String("zk-servers", "localhost:2181", "comma separated ZooKeeper servers")
	f.String("log-level", "info", "debug, info, warn or error")
	f.Bool("trace", false, "export lock spans to stdout")

	rootCmd.AddCommand(sellCmd, inspectCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	viper.SetEnvPrefix("zlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// setupTracing installs a stdout span exporter. The returned function
// flushes it.
func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "zlock:", err)
		os.Exit(1)
	}
}
