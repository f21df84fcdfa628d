package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"catrec/internal/domain"
)

var adminJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index versions and the last index run",
	RunE:  runStatus,
}

var activateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Activate a retained index version (rollback)",
	Args:  cobra.ExactArgs(1),
	RunE:  runActivate,
}

var compactRetain []uint

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop index versions outside the retain set",
	Long: `Drop index versions that are not retained. Without --retain the active
version and the newest store.retain_versions-1 ready versions are kept.

Examples:
  catrec compact
  catrec compact --retain 7 --retain 9`,
	RunE: runCompact,
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent index runs",
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(statusCmd, activateCmd, compactCmd, runsCmd)
	statusCmd.Flags().BoolVar(&adminJSON, "json", false, "output as JSON")
	compactCmd.Flags().UintSliceVar(&compactRetain, "retain", nil, "versions to keep (must include the active one)")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "number of runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, GetConfig(), GetRootDir())
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.admin.Status(ctx)
	if err != nil {
		return err
	}
	if adminJSON {
		output, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	idx := st.Index
	fmt.Printf("Active version: %d (%d entries, dim %d, %s)\n", idx.ActiveVersion, idx.ActiveCount, idx.Dimension, idx.Algorithm)
	if idx.NeedsReindex {
		fmt.Printf("Reindex required: %s\n", idx.Reason)
	}
	if len(idx.Versions) > 0 {
		fmt.Println("\nVersions:")
		for _, v := range idx.Versions {
			fmt.Printf("  v%-6d %-9s %7d entries  created %s\n", v.Version, v.State, v.Count, v.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	if st.LastRun != nil {
		fmt.Printf("\nLast run: %s %s (version %d, %d indexed, %d failed)\n",
			st.LastRun.ID, st.LastRun.State, st.LastRun.Version, st.LastRun.Indexed, st.LastRun.Failed)
	}
	return nil
}

func runActivate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || v == 0 {
		return fmt.Errorf("invalid version %q", args[0])
	}

	a, err := newApp(ctx, GetConfig(), GetRootDir())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.admin.Activate(ctx, domain.IndexVersion(v)); err != nil {
		return err
	}
	fmt.Printf("Activated version %d\n", v)
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, GetConfig(), GetRootDir())
	if err != nil {
		return err
	}
	defer a.Close()

	var retain []domain.IndexVersion
	for _, v := range compactRetain {
		retain = append(retain, domain.IndexVersion(v))
	}
	res, err := a.admin.Compact(ctx, retain)
	if err != nil {
		return err
	}
	if len(res.Dropped) == 0 {
		fmt.Println("Nothing to compact.")
		return nil
	}
	fmt.Printf("Dropped versions: %v\n", res.Dropped)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, GetConfig(), GetRootDir())
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.admin.ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No index runs recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-10s v%-5d %6d indexed %4d failed  %s\n",
			r.ID, r.State, r.Version, r.Indexed, r.Failed, r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
