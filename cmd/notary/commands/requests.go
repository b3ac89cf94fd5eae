package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"notary-mpc/requests"
	"notary-mpc/shared"
)

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect stored notarization requests",
	}
	cmd.AddCommand(requestsListCmd(), requestsShowCmd(), requestsDeleteCmd())
	return cmd
}

// openManager opens a manager without an engine; it can read and delete
// requests but not run them.
func openManager() (*requests.Manager, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	return requests.NewManager(requests.Config{Store: store, Logger: logger}), nil
}

func requestsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List requests in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			all, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tURL\tUPDATED")
			for _, r := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.Progress, r.URL, r.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func requestsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one request as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			r, err := m.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("request %s: %w", args[0], shared.ErrNotFound)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		},
	}
}

func requestsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Delete(cmd.Context(), args[0])
		},
	}
}
