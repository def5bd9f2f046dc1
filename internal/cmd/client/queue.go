package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewQueueCommand constructs the `queue` command group and subcommands.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Queue operations (enqueue, claim, complete, stats)",
		Long: `Queue operations for one-of-N work processing.

Item Lifecycle:
  Pending → [Claim] → Claimed → [Complete] → Done
                         ↓ (fail)
                     RetryWait → Pending (after backoff)
                         ↓ (max attempts)
                        Dead

Core Operations:
  ensure      Create or update a queue
  enqueue     Add a work item
  claim       Claim the next ready item under a lease
  complete    Report the outcome of a claimed run

Observability:
  ls          List registered queues
  stats       Per-status item counts for a queue
  get         Show one work item
  runs        Attempt history for one work item
  failures    Recent failed runs (CEL filterable)
  averages    Aggregate run durations and failure rate`,
	}

	queueCmd.AddCommand(
		newQueueEnsureCommand(baseURL),
		newQueueListCommand(baseURL),
		newQueueStatsCommand(baseURL),
		newQueueEnqueueCommand(baseURL),
		newQueueClaimCommand(baseURL),
		newQueueCompleteCommand(baseURL),
		newQueueGetCommand(baseURL),
		newQueueRunsCommand(baseURL),
		newQueueFailuresCommand(baseURL),
		newQueueAveragesCommand(baseURL),
	)
	return queueCmd
}

// newQueueEnsureCommand constructs the `queue ensure` subcommand.
func newQueueEnsureCommand(baseURL BaseURLFunc) *cobra.Command {
	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create a queue or update its tuning",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			// Only flags the operator set go into the body; unset fields fall
			// back to the engine defaults.
			body := map[string]any{}
			if v, _ := cmd.Flags().GetInt32("max-attempts"); v > 0 {
				body["max_attempts"] = v
			}
			if v, _ := cmd.Flags().GetInt64("lease-ms"); v > 0 {
				body["lease_ms"] = v
			}
			if v, _ := cmd.Flags().GetInt64("backoff-base-ms"); v > 0 {
				body["backoff_base_ms"] = v
			}
			if v, _ := cmd.Flags().GetInt64("backoff-cap-ms"); v > 0 {
				body["backoff_cap_ms"] = v
			}
			if v, _ := cmd.Flags().GetInt64("payload-max-bytes"); v > 0 {
				body["payload_max_bytes"] = v
			}
			var in any
			if len(body) > 0 {
				in = body
			}

			var meta map[string]any
			if err := requestJSON(cmd.Context(), http.MethodPut, queueURL(baseURL(), name, "/"), in, &meta); err != nil {
				return err
			}
			return printJSON(cmd, meta)
		},
	}
	ensureCmd.Flags().String("name", "", "Queue name")
	ensureCmd.Flags().Int32("max-attempts", 0, "Attempts before an item goes dead")
	ensureCmd.Flags().Int64("lease-ms", 0, "Lease duration in milliseconds")
	ensureCmd.Flags().Int64("backoff-base-ms", 0, "Retry backoff base in milliseconds")
	ensureCmd.Flags().Int64("backoff-cap-ms", 0, "Retry backoff cap in milliseconds")
	ensureCmd.Flags().Int64("payload-max-bytes", 0, "Max payload size in bytes")
	return ensureCmd
}

// newQueueListCommand constructs the `queue ls` subcommand.
func newQueueListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List registered queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := getJSON(cmd.Context(), baseURL()+"/v1/queues", &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

// newQueueStatsCommand constructs the `queue stats` subcommand.
func newQueueStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Per-status item counts for a queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			var out map[string]any
			if err := getJSON(cmd.Context(), queueURL(baseURL(), name, "/stats"), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	statsCmd.Flags().String("name", "", "Queue name")
	return statsCmd
}

// newQueueEnqueueCommand constructs the `queue enqueue` subcommand.
func newQueueEnqueueCommand(baseURL BaseURLFunc) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			data, _ := cmd.Flags().GetString("data")
			priority, _ := cmd.Flags().GetInt32("priority")
			maxAttempts, _ := cmd.Flags().GetInt32("max-attempts")
			dedupeKey, _ := cmd.Flags().GetString("dedupe-key")
			delayMs, _ := cmd.Flags().GetInt64("delay-ms")

			// Raw JSON passes through; anything else becomes a JSON string.
			payload := json.RawMessage(data)
			if !json.Valid(payload) {
				quoted, err := json.Marshal(data)
				if err != nil {
					return err
				}
				payload = quoted
			}

			body := map[string]any{
				"payload":      payload,
				"priority":     priority,
				"max_attempts": maxAttempts,
				"dedupe_key":   dedupeKey,
				"delay_ms":     delayMs,
			}
			var out map[string]any
			if err := requestJSON(cmd.Context(), http.MethodPost, queueURL(baseURL(), name, "/items"), body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	enqueueCmd.Flags().String("name", "", "Queue name")
	enqueueCmd.Flags().String("data", "", "Payload (JSON passes through, other text is quoted)")
	enqueueCmd.Flags().Int32("priority", 0, "Item priority (higher = claimed first)")
	enqueueCmd.Flags().Int32("max-attempts", 0, "Per-item attempt limit (0 = queue default)")
	enqueueCmd.Flags().String("dedupe-key", "", "Dedupe key (optional)")
	enqueueCmd.Flags().Int64("delay-ms", 0, "Delay in milliseconds before the item is claimable")
	return enqueueCmd
}

// newQueueClaimCommand constructs the `queue claim` subcommand.
func newQueueClaimCommand(baseURL BaseURLFunc) *cobra.Command {
	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next ready item under a lease",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			workerID, _ := cmd.Flags().GetString("worker-id")
			leaseMs, _ := cmd.Flags().GetInt64("lease-ms")

			body := map[string]any{"worker_id": workerID, "lease_ms": leaseMs}
			var out map[string]any
			err := requestJSON(cmd.Context(), http.MethodPost, queueURL(baseURL(), name, "/claim"), body, &out)
			if err == errNoContent {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no ready work")
				return nil
			}
			if err != nil {
				return err
			}
			if item, ok := out["item"].(map[string]any); ok {
				if raw, ok := item["payload"].(string); ok {
					for k, v := range decodedPayload([]byte(raw)) {
						item[k] = v
					}
				}
			}
			return printJSON(cmd, out)
		},
	}
	claimCmd.Flags().String("name", "", "Queue name")
	claimCmd.Flags().String("worker-id", "cli", "Worker identity recorded on the lease")
	claimCmd.Flags().Int64("lease-ms", 0, "Lease duration override in milliseconds")
	return claimCmd
}

// newQueueCompleteCommand constructs the `queue complete` subcommand.
func newQueueCompleteCommand(baseURL BaseURLFunc) *cobra.Command {
	completeCmd := &cobra.Command{
		Use:   "complete",
		Short: "Report the outcome of a claimed run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			itemID, _ := cmd.Flags().GetString("id")
			runID, _ := cmd.Flags().GetString("run-id")
			errorMsg, _ := cmd.Flags().GetString("error")
			metrics, _ := cmd.Flags().GetString("metrics")

			body := map[string]any{"run_id": runID, "error": errorMsg}
			if metrics != "" {
				if !json.Valid([]byte(metrics)) {
					return fmt.Errorf("invalid --metrics: not JSON")
				}
				body["metrics"] = json.RawMessage(metrics)
			}
			var out map[string]any
			if err := requestJSON(cmd.Context(), http.MethodPost,
				queueURL(baseURL(), name, "/items/"+url.PathEscape(itemID)+"/complete"), body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	completeCmd.Flags().String("name", "", "Queue name")
	completeCmd.Flags().String("id", "", "Item ID (hex)")
	completeCmd.Flags().String("run-id", "", "Run ID from the claim (hex)")
	completeCmd.Flags().String("error", "", "Error message (empty = success)")
	completeCmd.Flags().String("metrics", "", "Run metrics as a JSON object")
	return completeCmd
}

// newQueueGetCommand constructs the `queue get` subcommand.
func newQueueGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show one work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			itemID, _ := cmd.Flags().GetString("id")
			var out map[string]any
			if err := getJSON(cmd.Context(), queueURL(baseURL(), name, "/items/"+url.PathEscape(itemID)), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	getCmd.Flags().String("name", "", "Queue name")
	getCmd.Flags().String("id", "", "Item ID (hex)")
	return getCmd
}

// newQueueRunsCommand constructs the `queue runs` subcommand.
func newQueueRunsCommand(baseURL BaseURLFunc) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Attempt history for one work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			itemID, _ := cmd.Flags().GetString("id")
			var out map[string]any
			if err := getJSON(cmd.Context(), queueURL(baseURL(), name, "/items/"+url.PathEscape(itemID)+"/runs"), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	runsCmd.Flags().String("name", "", "Queue name")
	runsCmd.Flags().String("id", "", "Item ID (hex)")
	return runsCmd
}

// newQueueFailuresCommand constructs the `queue failures` subcommand.
func newQueueFailuresCommand(baseURL BaseURLFunc) *cobra.Command {
	failuresCmd := &cobra.Command{
		Use:   "failures",
		Short: "Recent failed runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")

			q := url.Values{}
			if filter != "" {
				q.Set("filter", filter)
			}
			q.Set("limit", strconv.Itoa(limit))
			var out map[string]any
			if err := getJSON(cmd.Context(), queueURL(baseURL(), name, "/failures?"+q.Encode()), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	failuresCmd.Flags().String("name", "", "Queue name")
	failuresCmd.Flags().String("filter", "", `CEL filter, e.g. 'error.contains("timeout")'`)
	failuresCmd.Flags().Int("limit", 50, "Max runs to return")
	return failuresCmd
}

// newQueueAveragesCommand constructs the `queue averages` subcommand.
func newQueueAveragesCommand(baseURL BaseURLFunc) *cobra.Command {
	averagesCmd := &cobra.Command{
		Use:   "averages",
		Short: "Aggregate run durations and failure rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			sample, _ := cmd.Flags().GetInt("sample")
			var out map[string]any
			if err := getJSON(cmd.Context(), queueURL(baseURL(), name, "/averages?sample="+strconv.Itoa(sample)), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	averagesCmd.Flags().String("name", "", "Queue name")
	averagesCmd.Flags().Int("sample", 200, "Recent runs to aggregate over")
	return averagesCmd
}
