package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newKioskCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kiosk",
		Short: "List, activate and deactivate kiosks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List kiosks and their occupants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				kiosks, err := e.kiosks.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, kiosks)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "activate [kiosk-id]",
		Short: "Activate a kiosk, or the lowest inactive one when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := 0
			if len(args) == 1 {
				n, err := parseKioskID(args[0])
				if err != nil {
					return err
				}
				id = n
			}
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				activated, err := e.kiosks.Activate(ctx, id, opts.actorInfo())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"kiosk_id": activated})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <kiosk-id>",
		Short: "Deactivate a kiosk and redistribute its waiting students",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKioskID(args[0])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.kiosks.Deactivate(ctx, id); err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"kiosk_id": id})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate-all",
		Short: "Deactivate every kiosk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				n, err := e.kiosks.DeactivateAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"deactivated": n})
			})
		},
	})

	return cmd
}

func parseKioskID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid kiosk id %q", raw)
	}
	return id, nil
}
