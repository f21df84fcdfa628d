package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"catrec/config"
)

var (
	cfgFile string
	cfg     *config.Config
	rootDir string
)

var rootCmd = &cobra.Command{
	Use:   "catrec",
	Short: "Catalog recommender - suggest service catalog items from historical requests",
	Long: `catrec indexes historical service requests as embeddings and recommends
catalog items for new free-text requests by nearest-neighbour search.

Example usage:
  catrec index 'exports/**/*.jsonl'            # Build a new index version
  catrec search -q "I forgot my password"      # Recommend catalog items
  catrec serve                                 # Run the HTTP API`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
		}

		if cfgFile != "" {
			if err := config.LoadEnv(rootDir); err != nil {
				return err
			}
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(rootDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./catrec.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "root directory (default is current directory)")
}

func GetConfig() *config.Config {
	return cfg
}

func GetRootDir() string {
	return rootDir
}
