// Command rcsync manages the RepCue local store and its sync with the
// remote API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/repcue/localsync/internal/config"
)

var (
	// settings holds defaults, the config file, RCSYNC_* env vars and bound flags.
	settings = config.NewViper()

	configFile string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "rcsync",
	Short: "Local-first storage and sync for RepCue",
	Long: `rcsync manages the on-device RepCue store.

Records are written locally first and marked dirty. The sync driver pushes
dirty records to the remote API through a durable retry queue, applies
server acknowledgements and conflicts, and pulls remote changes.

Configuration is read from rcsync.toml in the data directory, RCSYNC_*
environment variables and flags, in increasing order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default <data-dir>/rcsync.toml)")
	pf.String("data-dir", config.DefaultDataDir(), "Directory holding the database and session file")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.BoolVar(&jsonOutput, "json", false, "Output JSON")

	mustBind(settings, "data_dir", pf.Lookup("data-dir"))
	mustBind(settings, "log.level", pf.Lookup("log-level"))
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
