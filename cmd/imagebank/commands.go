package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/imagebank/internal/config"
	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/media"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find images for a free-text query",
	Long: `Find images for a free-text query.

Examples:
  imagebank search cozy italian restaurant
  imagebank search --provider pexels --orientation horizontal --count 5 sushi bar`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		orientation, _ := cmd.Flags().GetString("orientation")
		count, _ := cmd.Flags().GetInt("count")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"query":       strings.Join(args, " "),
			"provider":    providerName,
			"orientation": orientation,
			"count":       count,
		}
		resp, err := client.post(cmd.Context(), "/images/search", body)
		if err != nil {
			return err
		}

		var result struct {
			Images []media.Image `json:"images"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if asJSON {
			return printJSON(result.Images)
		}
		printImages(result.Images)
		return nil
	},
}

func printImages(images []media.Image) {
	if len(images) == 0 {
		fmt.Println("No images found.")
		return
	}
	for i, im := range images {
		fmt.Printf("%s %s\n", colorize(colorBold, fmt.Sprintf("%2d.", i+1)), im.URL)
		fmt.Printf("    %s  %s\n", colorize(colorCyan, im.Provider+":"+im.ProviderID), im.Alt)
	}
}

func init() {
	searchCmd.Flags().String("provider", "", "provider to fall back to (unsplash, pexels, getty)")
	searchCmd.Flags().String("orientation", "", "horizontal, vertical or square")
	searchCmd.Flags().Int("count", 0, "number of images (default 10)")
	searchCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- plan ---

// planFile accepts either a bare list of items or {items: [...]}.
type planFile struct {
	Items []media.PlanItem `yaml:"items"`
}

func readPlan(data []byte) ([]media.PlanItem, error) {
	var items []media.PlanItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		var pf planFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("parsing plan: %w", err)
		}
		items = pf.Items
	}
	for i, it := range items {
		if it.Count < 0 || it.Count > media.MaxCount {
			return nil, fmt.Errorf("items[%d]: count must be between 0 and %d", i, media.MaxCount)
		}
	}
	return items, nil
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Resolve images for a page plan",
	Long: `Resolve images for a page plan described in YAML or JSON.

Example plan.yaml:
  items:
    - blockId: hero
      searchQuery: candle-lit dining room
      orientation: horizontal
      count: 1
    - blockId: gallery
      searchQuery: pasta dishes
      count: 6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return errors.New("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading plan: %w", err)
		}
		items, err := readPlan(data)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return errors.New("plan has no items")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/images/plan", map[string]any{"items": items})
		if err != nil {
			return err
		}

		var result struct {
			Selections []media.ImageSelection `json:"selections"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		return printJSON(result.Selections)
	},
}

func init() {
	planCmd.Flags().String("file", "", "plan file (YAML or JSON)")
}

// --- bank ---

var bankCmd = &cobra.Command{
	Use:   "bank",
	Short: "Inspect and maintain the image bank",
}

var bankStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show image bank statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/bank/stats")
		if err != nil {
			return err
		}
		var st imagebank.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("State", "%s", st.State)
		printStatus("Entries", "%d", st.Entries)
		printStatus("Vectors", "%d (dim %d)", st.Vectors, st.Dimension)
		printStatus("Blacklisted", "%d", st.Blacklisted)
		printStatus("Unsynced", "%t", st.Dirty)
		for p, n := range st.ByProvider {
			printStatus("  "+p, "%d", n)
		}
		for s, n := range st.ByStatus {
			printStatus("  "+string(s), "%d", n)
		}
		return nil
	},
}

var bankSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Persist the bank to object storage now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/bank/sync", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Bank synced")
		return nil
	},
}

var bankEntriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List bank entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"status", "accuracy", "provider"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		if unrated, _ := cmd.Flags().GetBool("unrated"); unrated {
			q.Set("unrated", "true")
		}
		if cmd.Flags().Changed("blacklisted") {
			b, _ := cmd.Flags().GetBool("blacklisted")
			q.Set("blacklisted", strconv.FormatBool(b))
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/bank/entries?"+q.Encode())
		if err != nil {
			return err
		}
		var result struct {
			Entries []imagebank.Entry `json:"entries"`
			Total   int               `json:"total"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Entries) == 0 {
			fmt.Println("No entries found.")
			return nil
		}
		for _, e := range result.Entries {
			printEntryLine(e)
		}
		fmt.Printf("\n%d of %d entries\n", len(result.Entries), result.Total)
		return nil
	},
}

var bankShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single bank entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/bank/entries/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var e imagebank.Entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		return printJSON(e)
	},
}

func printEntryLine(e imagebank.Entry) {
	acc := "-"
	if e.Review != nil && e.Review.Accuracy != nil {
		acc = string(*e.Review.Accuracy)
	}
	status := string(e.ReviewStatus())
	if e.Blacklisted {
		status += ",blacklisted"
	}
	title := e.Title
	if len(title) > 60 {
		title = title[:60] + "..."
	}
	fmt.Printf("%s  %-18s %-8s  %s\n", colorize(colorCyan, e.ID), status, acc, title)
}

func init() {
	bankEntriesCmd.Flags().String("status", "", "filter by review status")
	bankEntriesCmd.Flags().String("accuracy", "", "filter by accuracy rating")
	bankEntriesCmd.Flags().String("provider", "", "filter by provider")
	bankEntriesCmd.Flags().Bool("unrated", false, "only entries without an accuracy rating")
	bankEntriesCmd.Flags().Bool("blacklisted", false, "filter by blacklist flag")
	bankEntriesCmd.Flags().Int("limit", 50, "maximum number of entries")
	bankEntriesCmd.Flags().Int("offset", 0, "entries to skip")

	bankCmd.AddCommand(bankStatsCmd)
	bankCmd.AddCommand(bankSyncCmd)
	bankCmd.AddCommand(bankEntriesCmd)
	bankCmd.AddCommand(bankShowCmd)
}

// --- review ---

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Rate, test and blacklist bank entries",
}

var reviewRateCmd = &cobra.Command{
	Use:   "rate <id> <accurate|partial|wrong|none>",
	Short: "Rate how well an entry's metadata matches its image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if args[1] == "none" {
			body["accuracy"] = nil
		} else {
			body["accuracy"] = args[1]
		}
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			body["status"] = s
		}
		if cmd.Flags().Changed("notes") {
			n, _ := cmd.Flags().GetString("notes")
			body["notes"] = n
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/bank/entries/"+url.PathEscape(args[0])+"/rating", body)
		if err != nil {
			return err
		}
		var e imagebank.Entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Rated %s, status %s", e.ID, e.ReviewStatus())
		return nil
	},
}

var reviewTestCmd = &cobra.Command{
	Use:   "test <id> <query>",
	Short: "Check whether a query finds an entry",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		query := strings.Join(args[1:], " ")
		resp, err := client.post(cmd.Context(), "/bank/entries/"+url.PathEscape(args[0])+"/search-tests", map[string]string{"query": query})
		if err != nil {
			return err
		}
		var st imagebank.SearchTest
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if st.Found && st.Rank != nil {
			printSuccess("%q finds %s at rank %d", st.Query, args[0], *st.Rank)
		} else {
			printWarning("%q does not find %s", st.Query, args[0])
		}
		return nil
	},
}

var reviewBlacklistCmd = &cobra.Command{
	Use:   "blacklist <id>",
	Short: "Exclude an entry from search results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/bank/entries/"+url.PathEscape(args[0])+"/blacklist", map[string]bool{"blacklisted": !undo})
		if err != nil {
			return err
		}
		var e imagebank.Entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		if e.Blacklisted {
			printSuccess("Blacklisted %s", e.ID)
		} else {
			printSuccess("Restored %s", e.ID)
		}
		return nil
	},
}

func init() {
	reviewRateCmd.Flags().String("status", "", "status override (pending, approved, flagged)")
	reviewRateCmd.Flags().String("notes", "", "reviewer notes")
	reviewBlacklistCmd.Flags().Bool("undo", false, "remove the entry from the blacklist")

	reviewCmd.AddCommand(reviewRateCmd)
	reviewCmd.AddCommand(reviewTestCmd)
	reviewCmd.AddCommand(reviewBlacklistCmd)
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
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
