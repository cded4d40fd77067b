package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Ingest a batch of content items from a JSON file",
	Long: `Ingest a batch of content items from a JSON file.

The file holds either a JSON array of content items or an object with an
"items" array. Invalid items are rejected individually, the rest of the
batch goes through.

Examples:
  jansetu ingest schemes.json
  jansetu ingest --stdin < schemes.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useStdin, _ := cmd.Flags().GetBool("stdin")

		var data []byte
		var err error
		switch {
		case useStdin:
			data, err = os.ReadFile("/dev/stdin")
		case len(args) == 1:
			data, err = os.ReadFile(args[0])
		default:
			return fmt.Errorf("a file argument or --stdin is required")
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			var wrapper struct {
				Items []json.RawMessage `json:"items"`
			}
			if err := json.Unmarshal(data, &wrapper); err != nil {
				return fmt.Errorf("input is neither an item array nor an items object: %w", err)
			}
			items = wrapper.Items
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", map[string]any{"items": items})
		if err != nil {
			return err
		}

		var result struct {
			Accepted int `json:"accepted"`
			Rejected int `json:"rejected"`
			Results  []struct {
				ID    string `json:"id"`
				Error string `json:"error"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Accepted %d item(s)", result.Accepted)
		if result.Rejected > 0 {
			printWarning("Rejected %d item(s)", result.Rejected)
			for _, r := range result.Results {
				if r.Error != "" {
					printStatus(r.ID, "%s", r.Error)
				}
			}
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().Bool("stdin", false, "read the batch from standard input")
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search content in a given language",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		language, _ := cmd.Flags().GetString("language")
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		narrow, _ := cmd.Flags().GetBool("narrow")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/query", map[string]any{
			"text":               args[0],
			"language":           language,
			"user_id":            userID,
			"limit":              limit,
			"narrow_eligibility": narrow,
		})
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				ContentID   string  `json:"content_id"`
				Score       float64 `json:"score"`
				Explanation string  `json:"explanation"`
			} `json:"results"`
			Reason   string `json:"reason"`
			Degraded bool   `json:"degraded"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Degraded {
			printWarning("offline mode: answering from the local cache")
		}
		if len(result.Results) == 0 {
			printWarning("no results (%s)", result.Reason)
			return nil
		}
		for i, r := range result.Results {
			fmt.Fprintf(os.Stdout, "%2d. %s (%.3f)\n    %s\n", i+1, r.ContentID, r.Score, r.Explanation)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().String("language", "en", "query language code")
	queryCmd.Flags().String("user", "", "user id for regional and demographic filtering")
	queryCmd.Flags().Int("limit", 10, "maximum number of results")
	queryCmd.Flags().Bool("narrow", false, "restrict results to content the user is eligible for")
}

// --- recommend ---

var recommendCmd = &cobra.Command{
	Use:   "recommend <user-id>",
	Short: "Show proactive recommendations for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/recommendations/%s?limit=%d", args[0], limit))
		if err != nil {
			return err
		}

		var result struct {
			Recommendations []struct {
				ContentID   string  `json:"content_id"`
				Score       float64 `json:"score"`
				Explanation string  `json:"explanation"`
			} `json:"recommendations"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Recommendations) == 0 {
			printWarning("no recommendations for %s", args[0])
			return nil
		}
		for i, r := range result.Recommendations {
			fmt.Fprintf(os.Stdout, "%2d. %s (%.3f)\n    %s\n", i+1, r.ContentID, r.Score, r.Explanation)
		}
		return nil
	},
}

func init() {
	recommendCmd.Flags().Int("limit", 5, "maximum number of recommendations")
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline content cache",
}

var cacheSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the cache with the content store",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("reconciling cache")
		resp, err := client.post(cmd.Context(), "/cache/sync", nil)
		if err != nil {
			return err
		}

		var deltas struct {
			Added     int `json:"added"`
			Refreshed int `json:"refreshed"`
			Purged    int `json:"purged"`
			Evicted   int `json:"evicted"`
		}
		if err := decodeJSON(resp, &deltas); err != nil {
			return err
		}

		printSuccess("cache reconciled")
		printStatus("Added", "%d", deltas.Added)
		printStatus("Refreshed", "%d", deltas.Refreshed)
		printStatus("Purged", "%d", deltas.Purged)
		printStatus("Evicted", "%d", deltas.Evicted)
		return nil
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache state and occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cache/status")
		if err != nil {
			return err
		}

		var status struct {
			State   string `json:"state"`
			Entries int    `json:"entries"`
			Budget  int    `json:"budget"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		printStatus("State", "%s", status.State)
		printStatus("Entries", "%d / %d", status.Entries, status.Budget)
		return nil
	},
}

var cacheOfflineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Mark the session as disconnected",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cache/offline", nil)
		if err != nil {
			return err
		}

		var status struct {
			State string `json:"state"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		printSuccess("cache state: %s", status.State)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheSyncCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheOfflineCmd)
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the recommendation distribution audit",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/audit/distribution?days=%d", days))
		if err != nil {
			return err
		}

		var result struct {
			Since  string `json:"since"`
			Served int    `json:"served"`
			Flags  []struct {
				Dimension     string  `json:"dimension"`
				Bucket        string  `json:"bucket"`
				ServedShare   float64 `json:"served_share"`
				EligibleShare float64 `json:"eligible_share"`
			} `json:"flags"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Window", "since %s", result.Since)
		printStatus("Served", "%d recommendation(s)", result.Served)
		if len(result.Flags) == 0 {
			printSuccess("no under-represented groups flagged")
			return nil
		}
		for _, f := range result.Flags {
			printWarning("%s=%s under-represented: served %.1f%%, eligible %.1f%%",
				f.Dimension, f.Bucket, f.ServedShare*100, f.EligibleShare*100)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Int("days", 30, "audit window in days")
}
