// Conductor CLI — инструмент командной строки для операторов:
// просмотр runs, ручные переходы состояний, лимиты конкурентности,
// work queues и материализация расписаний через HTTP API.
//
// Использование:
//
//	conductor [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	run          Просмотр runs и переходы состояний
//	concurrency  Лимиты конкурентности
//	work-queue   Work queues
//	deployment   Материализация расписаний
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conductor/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Conductor CLI — workflow orchestration control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("CONDUCTOR_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewConcurrencyCmd(clientFn, outputFn),
		cli.NewWorkQueueCmd(clientFn, outputFn),
		cli.NewDeploymentCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
