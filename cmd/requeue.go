package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRequeueFailedCmd(root *rootFlags) *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "requeue-failed",
		Short: "Move failed items back to pending with a fresh retry budget.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			svc, err := openServices(cmd, root)
			if err != nil {
				return err
			}
			defer closeServices(svc, cmd.ErrOrStderr())

			for _, kind := range selected {
				n, err := svc.RequeueFailed(cmd.Context(), kind)
				if err != nil {
					return fmt.Errorf("requeue %s: %w", kind, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d requeued\n", kind, n)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "queue kinds (default all)")
	return cmd
}
