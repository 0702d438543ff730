package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/korrelio/reqscan/db"
	"github.com/korrelio/reqscan/pkg/codec"
	"github.com/korrelio/reqscan/pkg/probe"
	"github.com/korrelio/reqscan/pkg/scan/queue"
	"github.com/korrelio/reqscan/pkg/scan/worker"
)

var scanPrefix string

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Manage request queues and their dispatchers",
}

// scanStartCmd starts a single dispatcher against one prefix's table.
var scanStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Open a request queue and start dispatching it against its probe session",
	Long: `Opens (or creates) the table for --prefix, recovers any work left
claimed by a prior unclean shutdown, and starts dispatching records from it
through an HTTP probe session until interrupted.

Examples:
  # Start dispatching the "staging" queue
  reqscan scan start --prefix staging`,
	Run: runScanStart,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanStartCmd)

	scanStartCmd.Flags().StringVar(&scanPrefix, "prefix", "", "scan table prefix to dispatch (required)")
	_ = scanStartCmd.MarkFlagRequired("prefix")
}

func runScanStart(cmd *cobra.Command, args []string) {
	logger := log.With().Str("component", "scan-cli").Str("prefix", scanPrefix).Logger()

	conn, err := db.Open(db.Config{
		Driver:          viper.GetString("db.driver"),
		DSN:             viper.GetString("db.dsn"),
		MaxOpenConns:    viper.GetInt("db.max_open_conns"),
		MaxIdleConns:    viper.GetInt("db.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("db.conn_max_lifetime"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database connection")
	}
	defer conn.Close()

	ctx := context.Background()
	q, err := queue.Open(ctx, conn, scanPrefix, codec.NewJSONCodec(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open request queue")
	}
	defer q.Close()
	logger.Info().Uint("start_id", q.StartID()).Msg("Queue ready")

	session := probe.NewSession(probe.Config{
		MaxConcurrentRequest: viper.GetInt("scanner.max_concurrent_request"),
		RequestTimeout:       time.Duration(viper.GetFloat64("scanner.request_timeout") * float64(time.Second)),
		RetryTimes:           viper.GetInt("scanner.retry_times"),
	}, nil, logger)

	batchSize := viper.GetInt("dispatcher.batch_size")
	if batchSize <= 0 {
		batchSize = viper.GetInt("scanner.max_concurrent_request")
	}

	dispatcher := worker.New(worker.Config{
		Queue:        q,
		Session:      session,
		BatchSize:    batchSize,
		PollInterval: viper.GetDuration("dispatcher.poll_interval"),
		Log:          logger,
	})
	dispatcher.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	dispatcher.Stop()
	logger.Info().Msg("Shutdown complete")
}
