package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions known to the target device",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := resolveTarget()
			data, status, err := restRequest(cmd.Context(), t, http.MethodGet, "/api/info", nil)
			if err != nil {
				return fmt.Errorf("list request: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("list failed (%d): %s", status, string(data))
			}

			if jsonOutput {
				fmt.Println(string(data))
				return nil
			}

			var info struct {
				Sessions []struct {
					ID         string `json:"id"`
					Name       string `json:"name"`
					PID        int    `json:"pid"`
					Status     string `json:"status"`
					Persistent bool   `json:"persistent"`
				} `json:"sessions"`
			}
			if err := json.Unmarshal(data, &info); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPID\tSTATUS\tPERSISTENT")
			for _, s := range info.Sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", s.ID, s.Name, s.PID, s.Status, s.Persistent)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	return cmd
}
