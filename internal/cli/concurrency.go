package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewConcurrencyCmd создаёт группу команд для лимитов конкурентности.
func NewConcurrencyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concurrency",
		Short: "Manage tag concurrency limits",
	}

	cmd.AddCommand(
		newConcurrencyCreateCmd(clientFn, outputFn),
		newConcurrencyListCmd(clientFn, outputFn),
		newConcurrencyResetCmd(clientFn, outputFn),
		newConcurrencyDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newConcurrencyCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var decay float64

	cmd := &cobra.Command{
		Use:   "create KEY LIMIT",
		Short: "Create or update a concurrency limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[1])
			if err != nil || limit < 0 {
				return fmt.Errorf("invalid limit %q, expected a non-negative integer", args[1])
			}

			client := clientFn()
			out := outputFn()

			l, err := client.CreateLimit(CreateLimitRequest{
				Key:                args[0],
				Limit:              limit,
				SlotDecayPerSecond: decay,
			})
			if err != nil {
				return err
			}

			out.Success("Concurrency limit set: %s=%d", l.Key, l.Limit)
			return out.Print(limitHeaders, limitRows([]LimitResponse{*l}), l)
		},
	}

	cmd.Flags().Float64Var(&decay, "slot-decay", 0, "Slots released per second (time-decay mode)")

	return cmd
}

func newConcurrencyListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List concurrency limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			limits, err := client.ListLimits(limit)
			if err != nil {
				return err
			}

			return out.Print(limitHeaders, limitRows(limits), limits)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newConcurrencyResetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reset KEY",
		Short: "Release all slots held under a limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			l, err := client.ResetLimit(args[0])
			if err != nil {
				return err
			}

			out.Success("Concurrency limit reset: %s", l.Key)
			return nil
		},
	}
}

func newConcurrencyDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a concurrency limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteLimit(args[0]); err != nil {
				return err
			}
			outputFn().Success("Concurrency limit deleted: %s", args[0])
			return nil
		},
	}
}
