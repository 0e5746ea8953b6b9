package main

import (
	"github.com/garethgeorge/afina/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:   "afina",
		Short: "Arena-backed in-memory cache speaking the memcached text protocol",
		Long: `afina keeps every cached item inside one fixed-size memory arena.
Items are reached through handles, so the arena can be compacted while
clients are connected. Running afina without a subcommand starts the server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	bindFlags(cmd.PersistentFlags(), &cfg)

	cmd.AddCommand(newServeCmd(&cfg))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func bindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Address to accept cache clients on")
	fs.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Maximum number of connections served at once")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Connections waiting for a free worker before new ones are refused")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections idle for this long (0 never)")

	fs.IntVar(&cfg.ArenaSize, "arena-size", cfg.ArenaSize, "Size of the memory arena in bytes")
	fs.IntVar(&cfg.MaxEntries, "max-entries", cfg.MaxEntries, "Maximum number of stored items")
	fs.IntVar(&cfg.MaxValueSize, "max-value-size", cfg.MaxValueSize, "Largest value a client may send")
	fs.IntVar(&cfg.CompressThreshold, "compress-threshold", cfg.CompressThreshold, "Compress values of at least this many bytes with zstd (0 off)")
	fs.DurationVar(&cfg.CompactInterval, "compact-interval", cfg.CompactInterval, "Compact the arena this often (0 off)")
	fs.Float64Var(&cfg.CompactRate, "compact-rate", cfg.CompactRate, "Compactions per second allowed to make room for a write (0 off)")

	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Address to serve Prometheus /metrics on (empty off)")
	fs.StringVar(&cfg.PidFile, "pid-file", cfg.PidFile, "Write the process id to this file")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
}
