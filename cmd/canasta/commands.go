package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/config"
	"github.com/kalambet/canasta/internal/pricing"
	"github.com/kalambet/canasta/internal/storage"
)

// --- chat ---

type chatReply struct {
	Status   string `json:"status"`
	Response string `json:"response"`
	ThreadID string `json:"threadId"`
	Error    string `json:"error"`
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one chat turn to the assistant",
	Long: `Send one chat turn to the assistant on behalf of a phone number.

Examples:
  canasta chat --phone 5215512345678 "¿cuánto cuesta el arroz y el pollo?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("phone")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/chat", map[string]string{
			"message":     strings.Join(args, " "),
			"phoneNumber": phone,
		})
		if err != nil {
			return err
		}

		var reply chatReply
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply.Response)
		printStatus("Thread", "%s", reply.ThreadID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <phone>",
	Short: "Show the stored chat messages for a phone number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api/conversations/%s/messages?limit=%d", url.PathEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var msgs []historyEntry
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		renderHistory(cmd.OutOrStdout(), msgs)
		return nil
	},
}

type historyEntry struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func renderHistory(w io.Writer, msgs []historyEntry) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		role := colorize(colorCyan, m.Role)
		if m.Role == "user" {
			role = colorize(colorBold, m.Role)
		}
		fmt.Fprintf(w, "%s  %s: %s\n", m.CreatedAt, role, m.Content)
	}
}

func init() {
	chatCmd.Flags().String("phone", "", "phone number that identifies the conversation")
	_ = chatCmd.MarkFlagRequired("phone")
	historyCmd.Flags().Int("limit", 50, "maximum number of messages to show")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <ingredients>",
	Short: "Look up average prices for comma-separated ingredients",
	Long: `Run the recursive ingredient search directly, without the assistant.

Examples:
  canasta search arroz, pollo, jamón
  canasta search --json "leche entera"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, _ := cmd.Flags().GetString("thread")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/search", map[string]string{
			"ingredients": strings.Join(args, " "),
			"thread_id":   thread,
		})
		if err != nil {
			return err
		}

		var result pricing.Response
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		renderPrices(cmd.OutOrStdout(), &result)
		return nil
	},
}

func renderPrices(w io.Writer, resp *pricing.Response) {
	if resp.Status == pricing.StatusError {
		fmt.Fprintln(w, colorize(colorRed, resp.Error))
		return
	}
	if resp.Metadata == nil {
		fmt.Fprintln(w, "No results.")
		return
	}
	for _, term := range resp.Metadata.FoundTerms {
		fmt.Fprintln(w, colorize(colorBold, term))
		for _, r := range resp.Data[term] {
			fmt.Fprintf(w, "  %-48s %10.2f  %s\n", r.ProductName, r.AveragePrice, r.Unit)
		}
	}
	if len(resp.Metadata.MissingTerms) > 0 {
		fmt.Fprintln(w, colorize(colorYellow, "Sin resultados: "+strings.Join(resp.Metadata.MissingTerms, ", ")))
	}
}

func init() {
	searchCmd.Flags().String("thread", "cli", "conversation id for the agent message log")
	searchCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- messages ---

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show the inter-agent message log",
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, _ := cmd.Flags().GetString("thread")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/agent-messages"
		if thread != "" {
			path += "?thread_id=" + url.QueryEscape(thread)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var msgs []bus.Message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		renderMessages(cmd.OutOrStdout(), msgs)
		return nil
	},
}

const maxContentWidth = 120

func renderMessages(w io.Writer, msgs []bus.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No agent messages.")
		return
	}
	for _, m := range msgs {
		content := m.Content
		if len(content) > maxContentWidth {
			content = content[:maxContentWidth] + "..."
		}
		fmt.Fprintf(w, "%s %s → %s [%s] %s\n",
			m.Timestamp.Local().Format(time.TimeOnly),
			colorize(colorCyan, m.From),
			colorize(colorCyan, m.To),
			m.Type,
			content,
		)
	}
}

func init() {
	messagesCmd.Flags().String("thread", "", "only show messages for this conversation")
}

// --- logs ---

type logEntry struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details"`
	CreatedAt string          `json:"created_at"`
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent system log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		logType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if logType != "" {
			q.Set("type", logType)
		}
		resp, err := client.get(cmd.Context(), "/api/logs?"+q.Encode())
		if err != nil {
			return err
		}

		var entries []logEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No log entries.")
			return nil
		}
		for _, e := range entries {
			typ := e.Type
			if typ == "error" {
				typ = colorize(colorRed, typ)
			}
			fmt.Fprintf(out, "%s  %-5s  %s: %s\n", e.CreatedAt, typ, e.Source, e.Message)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().String("type", "", "filter by type (error, info, sql, agent)")
	logsCmd.Flags().Int("limit", 50, "maximum number of entries")
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the local price catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Queue a CSV price export for import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			source = filepath.Base(args[0])
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading %s", args[0])
		resp, err := client.postRaw(cmd.Context(), "/api/catalog/import?source="+url.QueryEscape(source), "text/csv", f)
		if err != nil {
			return err
		}

		var result struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Rows   int    `json:"rows"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued %d rows from %s (job %s)", result.Rows, source, result.ID)
		return nil
	},
}

var catalogStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of an import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/catalog/import/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var job struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printStatus("Job", "%s", job.ID)
		printStatus("Status", "%s", job.Status)
		printStatus("Attempts", "%d", job.Attempts)
		if job.LastError != "" {
			printStatus("Last error", "%s", job.LastError)
		}
		return nil
	},
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Fuzzy-search the catalog for one ingredient",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		if threshold > 0 {
			q.Set("threshold", strconv.FormatFloat(threshold, 'f', -1, 64))
		}
		resp, err := client.get(cmd.Context(), "/api/catalog/search?"+q.Encode())
		if err != nil {
			return err
		}

		var rows []pricing.PriceRecord
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}
		renderRecords(cmd.OutOrStdout(), rows)
		return nil
	},
}

func renderRecords(w io.Writer, rows []pricing.PriceRecord) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No matches.")
		return
	}
	for _, r := range rows {
		score := ""
		if r.Similarity != nil {
			score = fmt.Sprintf("  (%.2f)", *r.Similarity)
		}
		fmt.Fprintf(w, "%-48s %10.2f  %s%s\n", r.ProductName, r.AveragePrice, r.Unit, score)
	}
}

var catalogHistoryCmd = &cobra.Command{
	Use:   "history <product>",
	Short: "Show published prices for a product over time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		city, _ := cmd.Flags().GetString("city")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("product", args[0])
		if city != "" {
			q.Set("city", city)
		}
		resp, err := client.get(cmd.Context(), "/api/catalog/history?"+q.Encode())
		if err != nil {
			return err
		}

		var rows []storage.PriceRow
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "No history.")
			return nil
		}
		for _, r := range rows {
			fmt.Fprintf(out, "%s  %-20s %10.2f  %s\n", r.PublishedOn, r.CityName, r.AveragePrice, r.Unit)
		}
		return nil
	},
}

var catalogCitiesCmd = &cobra.Command{
	Use:   "cities <product>",
	Short: "Compare a product's average price across cities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("product", args[0])
		if from != "" {
			q.Set("from", from)
		}
		if to != "" {
			q.Set("to", to)
		}
		resp, err := client.get(cmd.Context(), "/api/catalog/cities?"+q.Encode())
		if err != nil {
			return err
		}

		var avgs []storage.CityAverage
		if err := decodeJSON(resp, &avgs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(avgs) == 0 {
			fmt.Fprintln(out, "No prices for that product.")
			return nil
		}
		for _, a := range avgs {
			fmt.Fprintf(out, "%-24s %10.2f  (%d)\n", a.CityName, a.AveragePrice, a.Samples)
		}
		return nil
	},
}

func init() {
	catalogImportCmd.Flags().String("source", "", "label recorded with the import (default: file name)")
	catalogSearchCmd.Flags().Float64("threshold", 0, "minimum similarity between 0 and 1")
	catalogHistoryCmd.Flags().String("city", "", "city name or code")
	catalogCitiesCmd.Flags().String("from", "", "first publication date (YYYY-MM-DD)")
	catalogCitiesCmd.Flags().String("to", "", "last publication date (YYYY-MM-DD)")

	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogStatusCmd)
	catalogCmd.AddCommand(catalogSearchCmd)
	catalogCmd.AddCommand(catalogHistoryCmd)
	catalogCmd.AddCommand(catalogCitiesCmd)
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			value = "(set)"
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
