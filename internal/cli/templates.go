package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"redaction-pipeline/internal/rules"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List built-in templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCATEGORIES")
		for _, t := range rules.Builtin() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Name, strings.Join(t.Types(), ","))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(templatesCmd)
}
