package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"kioskqueue/internal/auth"
	"kioskqueue/pkg/types"
)

func newStudentCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "student",
		Short: "Manage the student roster",
	}

	upsert := &cobra.Command{
		Use:   "upsert <student-id>",
		Short: "Create or update a student and their kiosk verification secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			grade, _ := cmd.Flags().GetString("grade")
			secret, _ := cmd.Flags().GetString("secret")

			if !types.IsValidStudentID(args[0]) {
				return types.ErrInvalidStudentID
			}
			if name == "" {
				return errors.New("name is required")
			}

			student := &types.Student{ID: args[0], Name: name, Grade: grade}
			if secret != "" {
				hash, err := auth.HashSecret(secret)
				if err != nil {
					return err
				}
				student.SecretHash = hash
			}

			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.store.UpsertStudent(ctx, student); err != nil {
					return err
				}
				return printJSON(cmd, student)
			})
		},
	}
	upsert.Flags().String("name", "", "Display name (required)")
	upsert.Flags().String("grade", "", "Grade or class")
	upsert.Flags().String("secret", "", "Birthday or password used at the kiosk")
	cmd.AddCommand(upsert)

	return cmd
}
