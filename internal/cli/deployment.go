package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewDeploymentCmd создаёт группу команд для deployments.
func NewDeploymentCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Manage deployments",
	}

	cmd.AddCommand(newDeploymentMaterializeCmd(clientFn, outputFn))

	return cmd
}

func newDeploymentMaterializeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var start string
	var end string
	var count int

	cmd := &cobra.Command{
		Use:   "materialize DEPLOYMENT_ID",
		Short: "Create scheduled runs for the deployment's active schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := MaterializeRequest{Count: count}
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start %q: %w", start, err)
				}
				req.Start = &t
			}
			if end != "" {
				t, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end %q: %w", end, err)
				}
				req.End = &t
			}

			client := clientFn()
			out := outputFn()

			results, err := client.Materialize(args[0], req)
			if err != nil {
				return err
			}

			total := 0
			for _, r := range results {
				total += r.Created
			}

			out.Success("Scheduled runs created: %d", total)
			return out.Print(materializeHeads, materializeRows(results), results)
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "Window start (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&end, "end", "", "Window end (RFC3339)")
	cmd.Flags().IntVar(&count, "count", 0, "Maximum runs per schedule")

	return cmd
}
