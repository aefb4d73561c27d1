package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/memoir/internal/config"
	"github.com/kalambet/memoir/internal/ingest"
	"github.com/kalambet/memoir/internal/worker"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [text...]",
	Short: "Record a diary entry",
	Long: `Record a diary entry. The text is split into blocks and queued for analysis.

Examples:
  memoir ingest "Walked to the lake after work."
  memoir ingest --file ./journal.md
  memoir ingest --file ./letter.pdf --source letters
  cat today.txt | memoir ingest`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		source, _ := cmd.Flags().GetString("source")

		text, defaultSource, err := entryText(cmd.InOrStdin(), file, args)
		if err != nil {
			return err
		}
		if source == "" {
			source = defaultSource
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/entries", map[string]any{"text": text, "source": source})
		if err != nil {
			return err
		}
		var res ingest.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if outputFormat != "text" {
			return writeStructured(cmd.OutOrStdout(), outputFormat, res)
		}
		printSuccess("Stored entry %d (%d blocks queued)", res.EntryID, res.QueuedBlocks)
		return nil
	},
}

// entryText picks the entry body from --file, the arguments or stdin, in
// that order. Files are converted to plain text before upload.
func entryText(stdin io.Reader, file string, args []string) (text, source string, err error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", "", fmt.Errorf("reading file: %w", err)
		}
		extracted, err := ingest.ExtractFile(filepath.Base(file), data)
		if err != nil {
			return "", "", err
		}
		return extracted, "file", nil
	case len(args) > 0:
		return strings.Join(args, " "), "cli", nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("reading stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", "", fmt.Errorf("one of --file, text arguments or stdin is required")
	}
	return string(data), "cli", nil
}

func init() {
	ingestCmd.Flags().String("file", "", "file to ingest (txt, md, html or pdf)")
	ingestCmd.Flags().String("source", "", "source label stored with the entry")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <question...>",
	Short: "Ask a question grounded in your diary",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		prov, _ := cmd.Flags().GetString("provider")
		cloud, _ := cmd.Flags().GetBool("cloud")
		local, _ := cmd.Flags().GetBool("local")
		if cloud && local {
			return fmt.Errorf("--cloud and --local are exclusive")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat", map[string]any{
			"text":               strings.Join(args, " "),
			"debug":              debug,
			"preferred_provider": prov,
			"force_cloud":        cloud,
			"force_local":        local,
		})
		if err != nil {
			return err
		}
		var reply map[string]any
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}

		if outputFormat != "text" {
			return writeStructured(cmd.OutOrStdout(), outputFormat, reply)
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply["reply"])
		if debug {
			if d, ok := reply["debug"]; ok {
				writeStructured(os.Stderr, "json", d)
			}
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().Bool("debug", false, "print the routing and context trace")
	chatCmd.Flags().String("provider", "", "preferred cloud provider")
	chatCmd.Flags().Bool("cloud", false, "force the cloud path (privacy ceiling still applies)")
	chatCmd.Flags().Bool("local", false, "answer with the local model only")
}

// --- search ---

type briefRow struct {
	EntryID   int64          `json:"entry_id"`
	CreatedAt string         `json:"created_at"`
	Rank      float64        `json:"rank"`
	Analysis  map[string]any `json:"analysis"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Keyword search over analyzed entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"q": {strings.Join(args, " ")}, "limit": {fmt.Sprint(limit)}}
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}
		var rows []briefRow
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		if outputFormat != "text" {
			return writeStructured(cmd.OutOrStdout(), outputFormat, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
			return nil
		}
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				colorize(colorCyan, fmt.Sprintf("#%d", r.EntryID)),
				r.CreatedAt,
				clip(summaryOf(r.Analysis), 100),
			)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

func summaryOf(analysis map[string]any) string {
	s, _ := analysis["summary"].(string)
	return s
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// --- entry ---

var entryCmd = &cobra.Command{
	Use:   "entry <id>",
	Short: "Show the analysis and job status of one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/entries/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var detail map[string]any
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}
		format := outputFormat
		if format == "text" {
			format = "yaml"
		}
		return writeStructured(cmd.OutOrStdout(), format, detail)
	},
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show analysis job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		var sum map[string]int
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		if outputFormat != "text" {
			return writeStructured(cmd.OutOrStdout(), outputFormat, sum)
		}
		for _, k := range []string{"pending", "running", "done", "skipped", "failed_retriable", "failed_exhausted", "total"} {
			printStatus(k, "%d", sum[k])
		}
		return nil
	},
}

// --- work ---

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Analyze queued blocks",
	Long: `Analyze queued blocks in this process without a running server.

With --loop the worker keeps polling until interrupted. With --remote the
batch runs inside the running server instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		loop, _ := cmd.Flags().GetBool("loop")
		remote, _ := cmd.Flags().GetBool("remote")

		if remote {
			return runRemoteBatch(cmd, limit)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if loop {
			printStep("worker polling every %dms, Ctrl-C to stop", cfg.Worker.PollMs)
			a.worker.Run(ctx)
			return nil
		}
		if limit <= 0 {
			limit = cfg.Worker.BatchLimit
		}
		res, err := a.worker.RunBatch(ctx, limit)
		if err != nil {
			return err
		}
		return printBatch(cmd, res)
	},
}

func runRemoteBatch(cmd *cobra.Command, limit int) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	path := "/worker/run"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	resp, err := client.post(cmd.Context(), path, nil)
	if err != nil {
		return err
	}
	var res worker.BatchResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	return printBatch(cmd, res)
}

func printBatch(cmd *cobra.Command, res worker.BatchResult) error {
	if outputFormat != "text" {
		return writeStructured(cmd.OutOrStdout(), outputFormat, res)
	}
	printSuccess("Processed %d jobs: %d ok, %d failed, %d skipped, %d rollups",
		res.Processed, res.OK, res.Failed, res.Skipped, len(res.Rollups))
	if res.Unstuck > 0 {
		printWarning("Reset %d stale running jobs", res.Unstuck)
	}
	if res.RepeatClaims > 0 {
		printWarning("Stopped after %d repeated claims", res.RepeatClaims)
	}
	if res.Cancelled {
		printWarning("Batch interrupted")
	}
	return nil
}

func init() {
	workCmd.Flags().Int("limit", 0, "maximum jobs in this batch (default worker.batch_limit)")
	workCmd.Flags().Bool("loop", false, "keep polling until interrupted")
	workCmd.Flags().Bool("remote", false, "run the batch in the running server")
}

// --- calls ---

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List recent model calls from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/calls?limit=%d", limit))
		if err != nil {
			return err
		}
		var calls []struct {
			CallID    string `json:"call_id"`
			CreatedAt string `json:"created_at"`
			Task      string `json:"task"`
			Provider  string `json:"provider"`
			Model     string `json:"model"`
			Status    string `json:"status"`
			LatencyMs int64  `json:"latency_ms"`
			CacheHit  bool   `json:"cache_hit"`
			ErrorCode string `json:"error_code,omitempty"`
		}
		if err := decodeJSON(resp, &calls); err != nil {
			return err
		}

		if outputFormat != "text" {
			return writeStructured(cmd.OutOrStdout(), outputFormat, calls)
		}
		if len(calls) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No calls recorded.")
			return nil
		}
		for _, c := range calls {
			status := c.Status
			if c.CacheHit {
				status += " (cache)"
			}
			if c.ErrorCode != "" {
				status += " " + c.ErrorCode
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s %-9s %-22s %6dms  %s\n",
				c.CreatedAt, c.Task, c.Provider, c.Model, c.LatencyMs, status)
		}
		return nil
	},
}

func init() {
	callsCmd.Flags().Int("limit", 20, "maximum number of calls to list")
}

// --- turns ---

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "List recent chat turns",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/chat/turns?limit=%d", limit))
		if err != nil {
			return err
		}
		var turns []map[string]any
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		if outputFormat != "text" {
			return writeStructured(cmd.OutOrStdout(), outputFormat, turns)
		}
		if len(turns) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No chat turns found.")
			return nil
		}
		for _, t := range turns {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %v  %s\n    %s\n",
				colorize(colorCyan, fmt.Sprint(t["created_at"])),
				t["status"],
				clip(fmt.Sprint(t["user_text"]), 80),
				clip(fmt.Sprint(t["reply"]), 120),
			)
		}
		return nil
	},
}

func init() {
	turnsCmd.Flags().Int("limit", 20, "maximum number of turns to list")
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage user profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/profile")
		if err != nil {
			return err
		}
		var p map[string]any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return writeStructured(cmd.OutOrStdout(), outputFormat, p)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile field",
	Long: `Set a profile field. List fields (interests, goals, preferences,
style.examples) take a JSON array or a single string.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/profile", map[string]any{key: profileValue(key, value)})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

// profileValue converts CLI text to the JSON type the profile key holds.
func profileValue(key, value string) any {
	switch key {
	case "interests", "goals", "preferences", "style.examples":
		var list []string
		if json.Unmarshal([]byte(value), &list) == nil {
			return list
		}
		return []string{value}
	case "style.enabled":
		return value == "true" || value == "1" || value == "yes"
	}
	return value
}

func init() {
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
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

		keys := config.ShowAll(cfg)
		if outputFormat != "text" {
			return writeStructured(cmd.OutOrStdout(), outputFormat, keys)
		}
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
