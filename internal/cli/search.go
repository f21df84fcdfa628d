package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"catrec/internal/domain"
)

var (
	searchText    string
	searchTopK    int
	searchJSON    bool
	searchFilters []string
)

var searchCmd = &cobra.Command{
	Use:     "search",
	Aliases: []string{"query"},
	Short:   "Recommend catalog items for a request",
	Long: `Embed the request text, search the active index version and print the
catalog items ranked by confidence.

Examples:
  catrec search -q "I forgot my login password"
  catrec search -q "printer jammed" -k 3 --filter region=apac --json`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchText, "query", "q", "", "request text (required)")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of recommendations (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output as JSON")
	searchCmd.Flags().StringArrayVar(&searchFilters, "filter", nil, "metadata equality filter key=value (repeatable)")
	searchCmd.MarkFlagRequired("query")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	filters, err := parseFilters(searchFilters)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, GetConfig(), GetRootDir())
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.query.Search(ctx, domain.SearchRequest{
		QueryText: searchText,
		TopK:      searchTopK,
		Filters:   filters,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		output, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(resp.Recommendations) == 0 {
		fmt.Println("No recommendations found.")
		return nil
	}
	fmt.Printf("Recommendations for: %s (index v%d, %dms)\n\n", searchText, resp.IndexVersion, resp.QueryLatencyMs)
	for _, r := range resp.Recommendations {
		fmt.Printf("%2d. %-30s confidence %.3f  (max sim %.3f, %d hits)\n",
			r.Rank, r.CatalogItemID, r.Confidence, r.MaxSimilarity, r.SupportingHits)
	}
	if resp.Degraded {
		fmt.Println("\nFewer neighbours than requested; results may be incomplete.")
	}
	return nil
}

// parseFilters turns key=value pairs into filter conditions. Values that
// parse as booleans or numbers are matched as such.
func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value", p)
		}
		if b, err := strconv.ParseBool(value); err == nil {
			out[key] = b
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			out[key] = f
		} else {
			out[key] = value
		}
	}
	return out, nil
}
