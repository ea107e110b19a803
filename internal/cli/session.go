package cli

import (
	"context"

	"github.com/spf13/cobra"

	"kioskqueue/internal/devicesession"
)

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and check kiosk device sessions",
	}

	create := &cobra.Command{
		Use:   "create <kiosk-id>",
		Short: "Create a device session and print its access URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKioskID(args[0])
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetInt("ttl")
			fingerprint, _ := cmd.Flags().GetString("fingerprint")
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				if ttl == 0 {
					ttl = e.cfg.Kiosk.SessionTTLHours
				}
				link, err := e.sessions.CreateSessionFor(ctx, id, ttl, fingerprint)
				if err != nil {
					return err
				}
				return printJSON(cmd, link)
			})
		},
	}
	create.Flags().Int("ttl", 0, "Lifetime in hours (default: configured session ttl)")
	create.Flags().String("fingerprint", "", "Device fingerprint to bind")
	cmd.AddCommand(create)

	validate := &cobra.Command{
		Use:   "validate <code-or-url>",
		Short: "Check a session code or access URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fingerprint, _ := cmd.Flags().GetString("fingerprint")
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				return printJSON(cmd, e.sessions.ValidateFor(ctx, sessionCode(args[0]), fingerprint))
			})
		},
	}
	validate.Flags().String("fingerprint", "", "Fingerprint of the checking device")
	cmd.AddCommand(validate)

	cmd.AddCommand(&cobra.Command{
		Use:   "heartbeat <code-or-url>",
		Short: "Record a heartbeat for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				ok := e.sessions.Heartbeat(ctx, sessionCode(args[0]))
				return printJSON(cmd, map[string]bool{"ok": ok})
			})
		},
	})

	return cmd
}

// sessionCode accepts either a bare code or a full access URL
func sessionCode(arg string) string {
	if code, err := devicesession.ParseAccessURL(arg); err == nil {
		return code
	}
	return arg
}
