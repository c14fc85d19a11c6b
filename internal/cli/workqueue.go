package cli

import (
	"github.com/spf13/cobra"
)

// NewWorkQueueCmd создаёт группу команд для work queues.
func NewWorkQueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work-queue",
		Short: "Manage work queues",
	}

	cmd.AddCommand(
		newWorkQueueCreateCmd(clientFn, outputFn),
		newWorkQueueShowCmd(clientFn, outputFn),
		newWorkQueuePauseCmd(clientFn, outputFn, true),
		newWorkQueuePauseCmd(clientFn, outputFn, false),
		newWorkQueueStatusCmd(clientFn, outputFn),
	)

	return cmd
}

func newWorkQueueCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var description string
	var limit int
	var priority int

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a work queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateWorkQueueRequest{
				Name:        args[0],
				Description: description,
				Priority:    priority,
			}
			if cmd.Flags().Changed("limit") {
				req.ConcurrencyLimit = &limit
			}

			q, err := client.CreateWorkQueue(req)
			if err != nil {
				return err
			}

			out.Success("Work queue created: %s", q.ID)
			return out.Print(workQueueHeaders, [][]string{workQueueRow(q)}, q)
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "Queue description")
	cmd.Flags().IntVar(&limit, "limit", 0, "Concurrency limit for runs delivered from the queue")
	cmd.Flags().IntVar(&priority, "priority", 0, "Queue priority")

	return cmd
}

func newWorkQueueShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID|NAME",
		Short: "Show work queue details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			q, err := client.GetWorkQueue(args[0])
			if err != nil {
				return err
			}

			return out.Print(workQueueHeaders, [][]string{workQueueRow(q)}, q)
		},
	}
}

func newWorkQueuePauseCmd(clientFn func() *Client, outputFn func() *Output, paused bool) *cobra.Command {
	use, short, verb := "pause ID|NAME", "Pause a work queue", "paused"
	if !paused {
		use, short, verb = "resume ID|NAME", "Resume a paused work queue", "resumed"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			q, err := client.GetWorkQueue(args[0])
			if err != nil {
				return err
			}
			q, err = client.SetWorkQueuePaused(q.ID, paused)
			if err != nil {
				return err
			}

			out.Success("Work queue %s: %s (status %s)", verb, q.Name, q.Status)
			return nil
		},
	}
}

func newWorkQueueStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID|NAME",
		Short: "Show work queue readiness and health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			q, err := client.GetWorkQueue(args[0])
			if err != nil {
				return err
			}
			st, err := client.GetWorkQueueStatus(q.ID)
			if err != nil {
				return err
			}

			return out.Print(queueHealthHeads, [][]string{queueHealthRow(q.Name, st)}, st)
		},
	}
}
