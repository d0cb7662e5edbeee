package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"meshbridge/internal/project"
)

func NewProjectsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List capture projects and their image counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			store := project.NewStore(cfg.Storage.Root, cfg.Storage.Extensions, nil)
			ids, err := store.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintf(out, "No projects in %s\n", store.Root())
				return nil
			}

			current, err := store.ResolveMostRecent()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tIMAGES\t")
			for _, id := range ids {
				count, err := store.CountCaptures(id)
				if err != nil {
					return err
				}
				marker := ""
				if id == current {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", id, count, marker)
			}
			return w.Flush()
		},
	}

	return cmd
}
