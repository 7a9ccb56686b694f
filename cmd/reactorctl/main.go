// Command reactorctl is a small demonstration CLI for the reactor module: it
// points a Collection at a JSON file on disk and prints the live change
// stream as the file is edited.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-reactor/reactor/internal/collection"
	"github.com/go-reactor/reactor/internal/syncsource"
)

var (
	cfgFile string
	gcTime  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "reactorctl",
	Short: "Demo CLI driving a reactor Collection from a watched JSON file",
}

var watchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Subscribe to a Collection backed by the given JSON file and print changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file (keys: gc_time)")
	rootCmd.PersistentFlags().DurationVar(&gcTime, "gc-time", 5*time.Minute, "collection GC grace period after last subscriber leaves")
	rootCmd.AddCommand(watchCmd)
}

// fileConfig is the shape of the optional --config TOML file.
type fileConfig struct {
	GCTime string `toml:"gc_time"`
}

// loadConfig layers a TOML file (if --config was given) under the flags
// already bound above: the file is decoded directly with BurntSushi/toml
// (matching the teacher's internal/formula/parser.go use of toml.Unmarshal
// for its own config-ish documents), then re-bound through a scoped viper
// instance so env-var overrides (REACTORCTL_GC_TIME) still apply on top,
// following the teacher's scoped-viper-instance pattern in
// cmd/bd/config.go's validateSyncConfig (its own viper.New() over a single
// file rather than the package-level singleton).
func loadConfig() error {
	v := viper.New()
	v.SetEnvPrefix("reactorctl")
	v.AutomaticEnv()
	v.SetDefault("gc_time", gcTime.String())

	if cfgFile != "" {
		raw, err := os.ReadFile(cfgFile)
		if err != nil {
			return fmt.Errorf("reactorctl: read config %s: %w", cfgFile, err)
		}
		var fc fileConfig
		if _, err := toml.Decode(string(raw), &fc); err != nil {
			return fmt.Errorf("reactorctl: parse config %s: %w", cfgFile, err)
		}
		if fc.GCTime != "" && !rootCmd.PersistentFlags().Changed("gc-time") {
			v.SetDefault("gc_time", fc.GCTime)
		}
	}

	d, err := time.ParseDuration(v.GetString("gc_time"))
	if err != nil {
		return fmt.Errorf("reactorctl: invalid gc_time %q: %w", v.GetString("gc_time"), err)
	}
	gcTime = d
	return nil
}

type row = map[string]any

func rowKey(r row) string {
	if id, ok := r["id"].(string); ok {
		return id
	}
	return fmt.Sprint(r["id"])
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	path := args[0]

	src := syncsource.NewFile[string, row](path, rowKey)
	c, err := collection.New(collection.Config[string, row]{
		ID:     "reactorctl.watch",
		GetKey: rowKey,
		Sync:   src.Func(),
		GCTime: gcTime,
	})
	if err != nil {
		return fmt.Errorf("reactorctl: new collection: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	unsubscribe := c.SubscribeChanges(collection.SubscribeOptions[row]{IncludeInitial: true}, func(changes []collection.Change[string, row]) {
		for _, ch := range changes {
			fmt.Printf("%s %s %v\n", ch.Type, ch.Key, ch.Value)
		}
	})
	defer unsubscribe()

	fmt.Fprintf(os.Stderr, "watching %s (Ctrl+C to stop)...\n", path)
	<-ctx.Done()
	return c.Cleanup()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
