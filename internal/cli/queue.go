package cli

import (
	"context"

	"github.com/spf13/cobra"

	"kioskqueue/pkg/types"
)

func newQueueCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the behavior queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live requests with kiosk positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				requests, err := e.queue.ListQueue(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, requests)
			})
		},
	})

	add := &cobra.Command{
		Use:   "add",
		Short: "Queue a student for reflection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			studentID, _ := cmd.Flags().GetString("student")
			behaviors, _ := cmd.Flags().GetStringSlice("behavior")
			mood, _ := cmd.Flags().GetInt("mood")
			urgent, _ := cmd.Flags().GetBool("urgent")
			notes, _ := cmd.Flags().GetString("notes")

			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				req, err := e.queue.AddToQueue(ctx, &types.NewRequest{
					StudentID:   studentID,
					Behaviors:   behaviors,
					Mood:        mood,
					Urgent:      urgent,
					Notes:       notes,
					RequestedBy: opts.actor,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, req)
			})
		},
	}
	add.Flags().StringP("student", "s", "", "Student id (required)")
	add.Flags().StringSliceP("behavior", "b", nil, "Behavior tag, repeatable or comma-separated (required)")
	add.Flags().IntP("mood", "m", 50, "Mood 0-100")
	add.Flags().Bool("urgent", false, "Flag as urgent")
	add.Flags().String("notes", "", "Staff notes")
	_ = add.MarkFlagRequired("student")
	_ = add.MarkFlagRequired("behavior")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear queues: every request for admins, own requests for teachers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				removed, err := e.queue.ClearQueues(ctx, opts.actorInfo())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"removed": removed})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "review <request-id>",
		Short: "Mark a completed reflection as under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.queue.MarkInReview(ctx, args[0], opts.actorInfo()); err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"id": args[0], "status": types.StatusReview})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a reflection and archive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				archived, err := e.queue.ApproveReflection(ctx, args[0], opts.actorInfo())
				if err != nil {
					return err
				}
				return printJSON(cmd, archived)
			})
		},
	})

	revise := &cobra.Command{
		Use:   "revise <request-id>",
		Short: "Send a reflection back for revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("feedback")
			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				req, err := e.queue.RequestRevision(ctx, args[0], feedback, opts.actorInfo())
				if err != nil {
					return err
				}
				return printJSON(cmd, req)
			})
		},
	}
	revise.Flags().String("feedback", "", "Feedback shown to the student (required)")
	_ = revise.MarkFlagRequired("feedback")
	cmd.AddCommand(revise)

	return cmd
}
