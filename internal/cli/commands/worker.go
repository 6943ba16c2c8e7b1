package commands

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"automount/internal/daemon"
	"automount/internal/module"
)

var workerCmd = &cobra.Command{
	Use:    daemon.WorkerCommand,
	Short:  "Run one mount or expire job for a daemon",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	spec, err := daemon.DecodeWorkerSpec(os.Getenv(module.WorkerSpecEnv))
	if err != nil {
		return err
	}
	os.Unsetenv(module.WorkerSpecEnv)

	// workers keep default signal dispositions
	signal.Reset()
	daemon.SetupWorkerLogging(spec.LogLevel, spec.Detached)

	os.Exit(daemon.RunWorker(context.Background(), spec))
	return nil
}
