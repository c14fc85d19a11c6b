package cli

import (
	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для работы с runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect runs and propose state transitions",
	}

	cmd.AddCommand(
		newRunShowCmd(clientFn, outputFn),
		newRunStatesCmd(clientFn, outputFn),
		newRunSetStateCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().GetRun(args[0])
			if err != nil {
				return err
			}
			return outputFn().Print(runHeaders, [][]string{runRow(run)}, run)
		},
	}
}

func newRunStatesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "states ID",
		Short: "Show run state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := clientFn().ListRunStates(args[0])
			if err != nil {
				return err
			}
			return outputFn().Print(stateHeaders, stateRows(states), states)
		},
	}
}

func newRunSetStateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var message string

	cmd := &cobra.Command{
		Use:   "set-state ID TYPE",
		Short: "Propose a state transition (e.g. RUNNING, COMPLETED, CANCELLING)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFn().SetRunState(args[0], StateRequest{
				Type:    args[1],
				Name:    name,
				Message: message,
			})
			if err != nil {
				return err
			}
			return outputFn().Print(resultHeaders, [][]string{resultRow(res)}, res)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "State name (defaults to the type's canonical name)")
	cmd.Flags().StringVar(&message, "message", "", "State message")

	return cmd
}
