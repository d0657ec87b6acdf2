package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/fieldkit/internal/api"
	"github.com/kalambet/fieldkit/internal/config"
	"github.com/kalambet/fieldkit/internal/engine"
	"github.com/kalambet/fieldkit/internal/queue"
	"github.com/kalambet/fieldkit/internal/storage"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the enrichment and sync queues",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runQueueStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Drain both queues now",
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runQueueProcess(cmd.Context(), client, cmd.OutOrStdout(), async)
	},
}

func init() {
	queueProcessCmd.Flags().Bool("async", false, "trigger a background drain and return immediately")
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueProcessCmd)
}

func runQueueStatus(ctx context.Context, c *apiClient, w io.Writer) error {
	var st api.QueueStatus
	if err := c.getJSON(ctx, "/queues/status", &st); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", bold("Online:"), yesNo(st.Online))
	fmt.Fprintf(w, "%s %d queued", bold("Enrichment:"), st.Enrichment)
	if !st.EnrichmentKey {
		fmt.Fprintf(w, " %s", yellow("(no API key)"))
	}
	fmt.Fprintln(w)
	if !st.SyncConfigured {
		fmt.Fprintf(w, "%s %s\n", bold("Sync:"), yellow("not configured"))
		return nil
	}
	fmt.Fprintf(w, "%s %d queued, %d records pending\n", bold("Sync:"), st.Sync.Queued, st.Sync.Pending)
	for _, s := range []storage.SyncStatus{storage.SyncPending, storage.SyncSyncing, storage.SyncSynced, storage.SyncFailed} {
		if n, ok := st.Sync.ByStatus[s]; ok {
			fmt.Fprintf(w, "  %-8s %d\n", s, n)
		}
	}
	return nil
}

func runQueueProcess(ctx context.Context, c *apiClient, w io.Writer, async bool) error {
	path := "/queues/process"
	if async {
		path += "?async=true"
	}
	resp, err := c.post(ctx, path, nil)
	if err != nil {
		return err
	}
	if async {
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Background drain triggered")
		return nil
	}

	var res api.ProcessResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", bold("Enrichment:"), resultLine(res.Enrichment))
	fmt.Fprintf(w, "%s %s\n", bold("Sync:"), resultLine(res.Sync))
	return nil
}

func resultLine(r queue.Result) string {
	if r.Coalesced {
		return "already running, will drain again"
	}
	if r.Offline {
		return "offline, nothing attempted"
	}
	return fmt.Sprintf("attempted %d, succeeded %d, retrying %d, dropped %d, deferred %d",
		r.Attempted, r.Succeeded, r.Retried, r.Exhausted, r.Deferred)
}

func yesNo(b bool) string {
	if b {
		return green("yes")
	}
	return red("no")
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push records to the sync server",
}

var syncPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Queue every unsynced record and drain the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSyncPending(cmd.Context(), client)
	},
}

func init() {
	syncCmd.AddCommand(syncPendingCmd)
}

func runSyncPending(ctx context.Context, c *apiClient) error {
	resp, err := c.post(ctx, "/sync/pending", nil)
	if err != nil {
		return err
	}
	var res queue.Result
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	switch {
	case res.Coalesced:
		printWarning("A sync drain is already running")
	case res.Offline:
		printWarning("Offline: records stay queued until connectivity returns")
	default:
		printSuccess("Synced %d, retrying %d, failed %d", res.Succeeded, res.Retried, res.Exhausted)
	}
	return nil
}

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List, show or search captured records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runRecordsList(cmd.Context(), client, cmd.OutOrStdout(), limit)
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runRecordsShow(cmd.Context(), client, cmd.OutOrStdout(), args[0])
	},
}

var recordsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search past visits",
	Long: `Search past visits by meaning. Field numbers and time windows in the
query narrow the results.

Examples:
  fieldkit records search "aphids in field 14 last month"
  fieldkit records search --limit 5 "wheat rust"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runRecordsSearch(cmd.Context(), client, cmd.OutOrStdout(), strings.Join(args, " "), limit)
	},
}

func init() {
	recordsListCmd.Flags().Int("limit", 20, "maximum number of records to list")
	recordsSearchCmd.Flags().Int("limit", 0, "maximum number of visits (0 lets the server decide)")
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsSearchCmd)
}

func runRecordsList(ctx context.Context, c *apiClient, w io.Writer, limit int) error {
	var recs []api.RecordView
	if err := c.getJSON(ctx, "/records?limit="+strconv.Itoa(limit), &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No records found.")
		return nil
	}
	for _, r := range recs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s  %s  %-12s %-8s %s\n",
			cyan(id),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.TaskType,
			r.SyncStatus,
			mediaFlags(r),
		)
	}
	return nil
}

func mediaFlags(r api.RecordView) string {
	var flags []string
	if r.PhotoPresent {
		flag := "photo"
		if r.AI.CaptionDone {
			flag += "*"
		}
		flags = append(flags, flag)
	}
	if r.AudioPresent {
		flag := "audio"
		if r.AI.TranscriptDone {
			flag += "*"
		}
		flags = append(flags, flag)
	}
	return strings.Join(flags, ",")
}

func runRecordsSearch(ctx context.Context, c *apiClient, w io.Writer, query string, limit int) error {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp api.SearchResponse
	if err := c.getJSON(ctx, "/records/search?"+q.Encode(), &resp); err != nil {
		return err
	}

	var scope []string
	if resp.Filter.FieldID != "" {
		scope = append(scope, "field "+resp.Filter.FieldID)
	}
	if !resp.Filter.Since.IsZero() {
		scope = append(scope, "since "+resp.Filter.Since.Local().Format("2006-01-02"))
	}
	if len(scope) > 0 {
		fmt.Fprintf(w, "%s %s\n", bold("Filter:"), strings.Join(scope, ", "))
	}
	if len(resp.Records) == 0 {
		fmt.Fprintln(w, "No matching visits.")
		return nil
	}
	for _, hit := range resp.Records {
		id := hit.ID
		if len(id) > 8 {
			id = id[:8]
		}
		score := "  -  "
		if resp.Semantic {
			score = fmt.Sprintf("%.3f", hit.Score)
		}
		note := []rune(strings.Join(strings.Fields(hit.Note), " "))
		if len(note) > 60 {
			note = append(note[:60], []rune("...")...)
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n", cyan(id), hit.CreatedAt.Local().Format("2006-01-02"), score, string(note))
	}
	return nil
}

func runRecordsShow(ctx context.Context, c *apiClient, w io.Writer, id string) error {
	var rec any
	if err := c.getJSON(ctx, "/records/"+url.PathEscape(id), &rec); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant about recent records",
	Long: `Ask the assistant a question. The answer streams as it is generated.

Examples:
  fieldkit ask "Which plots need follow-up?"
  fieldkit ask --model local "Summarize today's visits"
  fieldkit ask --record 3f2a... "What did the photo show?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		provider, _ := cmd.Flags().GetString("provider")
		records, _ := cmd.Flags().GetStringSlice("record")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAsk(cmd.Context(), client, cmd.OutOrStdout(), api.ChatRequest{
			Text:      strings.Join(args, " "),
			Model:     model,
			Provider:  provider,
			RecordIDs: records,
		})
	},
}

func init() {
	askCmd.Flags().String("model", "", "auto, local, cloud, gpt-4o-mini, claude or llama-small")
	askCmd.Flags().String("provider", "", "cloud provider override: openai or anthropic")
	askCmd.Flags().StringSlice("record", nil, "record ids to include as context; the first is the current visit")
}

func runAsk(ctx context.Context, c *apiClient, w io.Writer, req api.ChatRequest) error {
	err := c.stream(ctx, req, func(text string) {
		fmt.Fprint(w, text)
	})
	fmt.Fprintln(w)
	return err
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage local models",
}

var modelsEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Pull the configured local models if missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Generation.OllamaURL})
		if err != nil {
			return fmt.Errorf("detecting inference engine: %w", err)
		}
		printStep("Checking Ollama at %s", cfg.Generation.OllamaURL)
		models := []string{cfg.Generation.PrimaryModel, cfg.Generation.FallbackModel, cfg.Generation.EmbedModel}
		if err := engine.EnsureReady(cmd.Context(), eng, models, os.Stderr); err != nil {
			return err
		}
		printSuccess("Local models ready")
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsEnsureCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  %s\n", bold(k.Key), k.Value, cyan("("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
