package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/maloquacious/semver"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maloquacious/kvlite/internal/kv"
	"github.com/maloquacious/kvlite/internal/logger"
)

var (
	version   = semver.Version{Minor: 1, PreRelease: "alpha", Build: semver.Commit()}
	buildDate = ""
)

var (
	dbPath     string
	tableName  string
	timeout    time.Duration
	configPath string
	verbose    bool

	defaultJSON   string
	ignoreMissing bool
	fromKey       string
	toKey         string
)

// diag carries CLI diagnostics to stderr, keeping stdout clean for command output.
var diag = logger.New(os.Stderr)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvlite",
		Short: "Durable key-value store backed by a single SQLite file",
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "kvlite.db", "backing database file (plain path or sqlite:/// URI)")
	rootCmd.PersistentFlags().StringVar(&tableName, "table", "", "logical table name inside the database file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", kv.DefaultTimeout, "lock acquisition timeout")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file (db, table, timeout)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log each operation to stderr")

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().StringVar(&defaultJSON, "default", "", "JSON value to print when KEY is absent")

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a JSON value under KEY (insert or overwrite)",
		Args:  cobra.ExactArgs(2),
		RunE:  runSet,
	}

	delCmd := &cobra.Command{
		Use:   "del KEY",
		Short: "Delete KEY",
		Args:  cobra.ExactArgs(1),
		RunE:  runDel,
	}
	delCmd.Flags().BoolVar(&ignoreMissing, "ignore-missing", false, "do not fail when KEY is absent")

	hasCmd := &cobra.Command{
		Use:   "has KEY",
		Short: "Print true if KEY exists, false otherwise",
		Args:  cobra.ExactArgs(1),
		RunE:  runHas,
	}

	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "List keys, optionally restricted to an inclusive range",
		Args:  cobra.NoArgs,
		RunE:  runKeys,
	}
	keysCmd.Flags().StringVar(&fromKey, "from", "", "inclusive lower bound")
	keysCmd.Flags().StringVar(&toKey, "to", "", "inclusive upper bound")

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the whole table as a deterministic key-sorted dump",
		Args:  cobra.NoArgs,
		RunE:  runDump,
	}

	addCmd := &cobra.Command{
		Use:   "add KEY DELTA",
		Short: "Atomically add an integer DELTA to the number stored under KEY",
		Args:  cobra.ExactArgs(2),
		RunE:  runAdd,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every row (the table itself stays)",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}

	rootCmd.AddCommand(getCmd, setCmd, delCmd, hasCmd, keysCmd, dumpCmd, addCmd, clearCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cliConfig mirrors the optional YAML config file. Explicitly set flags win
// over file values.
type cliConfig struct {
	DB      string `yaml:"db"`
	Table   string `yaml:"table"`
	Timeout string `yaml:"timeout"`
}

func openStore(cmd *cobra.Command) (*kv.Store, error) {
	db, table, to := dbPath, tableName, timeout
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var cfg cliConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
		if cfg.DB != "" && !cmd.Flags().Changed("db") {
			db = cfg.DB
		}
		if cfg.Table != "" && !cmd.Flags().Changed("table") {
			table = cfg.Table
		}
		if cfg.Timeout != "" && !cmd.Flags().Changed("timeout") {
			d, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("parse config timeout: %w", err)
			}
			to = d
		}
	}
	if verbose {
		diag.Debug("opening %s (table=%q, timeout=%s)", db, table, to)
	}
	opts := []kv.Option{kv.WithTimeout(to)}
	if table != "" {
		opts = append(opts, kv.WithTable(table))
	}
	return kv.Open(db, opts...)
}

func runGet(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	key := args[0]

	var value any
	if cmd.Flags().Changed("default") {
		fallback, err := kv.Decode(defaultJSON)
		if err != nil {
			return fmt.Errorf("invalid --default value: %w", err)
		}
		value, err = store.Get(key, fallback)
		if err != nil {
			return err
		}
	} else {
		value, err = store.GetStrict(key)
		if err != nil {
			return err
		}
	}

	out, err := kv.Encode(value)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	value, err := kv.Decode(args[1])
	if err != nil {
		return fmt.Errorf("VALUE must be JSON: %w", err)
	}
	if verbose {
		diag.Debug("set %q", args[0])
	}
	return store.Set(args[0], value)
}

func runDel(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	if verbose {
		diag.Debug("del %q (ignore-missing=%v)", args[0], ignoreMissing)
	}
	return store.Remove(args[0], ignoreMissing)
}

func runHas(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	ok, err := store.Has(args[0])
	if err != nil {
		return err
	}
	fmt.Println(ok)
	return nil
}

func runKeys(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	var keys []string
	switch {
	case cmd.Flags().Changed("from") != cmd.Flags().Changed("to"):
		return fmt.Errorf("--from and --to must be given together")
	case cmd.Flags().Changed("from"):
		keys, err = store.KeyRange(fromKey, toKey)
	default:
		keys, err = store.Keys()
	}
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func runDump(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	out, err := store.Dump()
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("DELTA must be an integer: %w", err)
	}
	if verbose {
		diag.Debug("add %q %+d", args[0], delta)
	}
	return store.AtomicAdd(args[0], delta)
}

func runClear(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	if verbose {
		diag.Debug("clear %s", store.Table())
	}
	return store.Clear()
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("kvlite %s", version.String())
	if buildDate != "" {
		fmt.Printf(" (built %s)", buildDate)
	}
	fmt.Println()
	return nil
}
