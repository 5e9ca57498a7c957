package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var validateOpts struct {
	data    string
	context string
}

var validateCmd = &cobra.Command{
	Use:   "validate <module>",
	Short: "Validate a record against the stored field rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := readEntity(validateOpts.data)
		if err != nil {
			return err
		}
		if data == nil {
			return errors.New("data required")
		}

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		result, err := a.engine.FieldRules.ValidateModule(ctx, args[0], data, validateOpts.context)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.IsValid {
			return fmt.Errorf("%d field errors", len(result.Errors))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateOpts.data, "data", "d", "-", "record JSON file, - for stdin")
	validateCmd.Flags().StringVar(&validateOpts.context, "context", "", "validation context (create, edit, view)")
	rootCmd.AddCommand(validateCmd)
}
