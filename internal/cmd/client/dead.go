package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDeadCommand constructs the `dead` command group for dead-letter
// inspection and requeue.
func NewDeadCommand(baseURL BaseURLFunc) *cobra.Command {
	deadCmd := &cobra.Command{
		Use:   "dead",
		Short: "Dead-letter operations (list, requeue)",
		Long: `Dead-letter operations.

Items land here after exhausting their attempts. Requeue is the only way
back: it resets the attempt counter and re-binds the dedupe key, and fails
with a conflict if a newer live item already holds that key.`,
	}
	deadCmd.AddCommand(
		newDeadListCommand(baseURL),
		newDeadRequeueCommand(baseURL),
	)
	return deadCmd
}

// newDeadListCommand constructs the `dead ls` subcommand.
func newDeadListCommand(baseURL BaseURLFunc) *cobra.Command {
	lsCmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List dead items in a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")

			q := url.Values{}
			if filter != "" {
				q.Set("filter", filter)
			}
			q.Set("limit", strconv.Itoa(limit))
			var out struct {
				Items []map[string]any `json:"items"`
			}
			if err := getJSON(cmd.Context(), queueURL(baseURL(), name, "/dead?"+q.Encode()), &out); err != nil {
				return err
			}
			if len(out.Items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no dead items")
				return nil
			}
			for _, item := range out.Items {
				if raw, ok := item["payload"].(string); ok {
					for k, v := range decodedPayload([]byte(raw)) {
						item[k] = v
					}
					delete(item, "payload")
				}
				if err := printJSON(cmd, item); err != nil {
					return err
				}
			}
			return nil
		},
	}
	lsCmd.Flags().String("name", "", "Queue name")
	lsCmd.Flags().String("filter", "", `CEL filter, e.g. 'last_error.contains("timeout") && attempt_count >= 5'`)
	lsCmd.Flags().Int("limit", 100, "Max items to return")
	return lsCmd
}

// newDeadRequeueCommand constructs the `dead requeue` subcommand.
func newDeadRequeueCommand(baseURL BaseURLFunc) *cobra.Command {
	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Requeue a dead item for a fresh round of attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			itemID, _ := cmd.Flags().GetString("id")
			if itemID == "" {
				return fmt.Errorf("--id is required")
			}
			var out map[string]any
			if err := requestJSON(cmd.Context(), http.MethodPost,
				queueURL(baseURL(), name, "/dead/"+url.PathEscape(itemID)+"/requeue"), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	requeueCmd.Flags().String("name", "", "Queue name")
	requeueCmd.Flags().String("id", "", "Item ID (hex)")
	return requeueCmd
}
