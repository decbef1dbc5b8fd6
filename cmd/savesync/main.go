package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/savesync/savesync/internal/controlplane"
	"github.com/savesync/savesync/internal/settings"
	"github.com/savesync/savesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configFileName  = "config"
	envPrefix       = "SAVESYNC"
	defaultHTTPAddr = "localhost:7939"
)

var home, _ = os.UserHomeDir()

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// cliConfig is the merged view of config file, environment and flags.
type cliConfig struct {
	Path        string        `mapstructure:"-"`
	ConfigDir   string        `mapstructure:"config_dir"`
	HTTPAddr    string        `mapstructure:"http_addr"`
	HTTPToken   string        `mapstructure:"http_token"`
	RedirectURI string        `mapstructure:"redirect_uri"`
	Debounce    time.Duration `mapstructure:"debounce"`
	Workers     int           `mapstructure:"workers"`
	LogLevel    string        `mapstructure:"log_level"`
}

func (c *cliConfig) BaseURL() string {
	return controlplane.AddrToURL(c.HTTPAddr)
}

func (c *cliConfig) Client() *controlplane.Client {
	return controlplane.NewClient(c.BaseURL(), c.HTTPToken)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "savesync",
		Short:         "SaveSync keeps game saves in sync with the cloud",
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "SaveSync config file")
	flags.StringP("config-dir", "d", settings.DefaultRoot(), "SaveSync state directory")
	flags.StringP("http-addr", "a", defaultHTTPAddr, "Address of the local control plane")
	flags.StringP("http-token", "t", "", "Access token for the local control plane")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newDaemonCmd(),
		newPluginsCmd(),
		newStatusCmd(),
		newInitCmd(),
		newAuthorizeCmd(),
		newAbortCmd(),
		newSyncCmd(),
		newUnloadCmd(),
		newConflictsCmd(),
		newResolveCmd(),
		newMappingCmd(),
		newFiletreeCmd(),
		newEventsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), formatError(err))
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*cliConfig, error) {
	v := viper.New()

	// config path
	if configFilePath, _ := cmd.Flags().GetString("config"); configFilePath != "" {
		v.SetConfigFile(configFilePath)
	} else {
		v.AddConfigPath(filepath.Join(home, ".savesync"))
		v.AddConfigPath(filepath.Join(home, ".config", "savesync"))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetDefault("config_dir", settings.DefaultRoot())
	v.SetDefault("http_addr", defaultHTTPAddr)
	v.SetDefault("redirect_uri", "")
	v.SetDefault("debounce", time.Second)
	v.SetDefault("workers", 4)
	v.SetDefault("log_level", "info")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"config_dir":   "config-dir",
		"http_addr":    "http-addr",
		"http_token":   "http-token",
		"log_level":    "log-level",
		"redirect_uri": "redirect-uri",
		"debounce":     "debounce",
		"workers":      "workers",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	// Set up environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := &cliConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = cfg.BaseURL() + "/v1/plugin/callback"
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newStdoutHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
}

func setupLogging(level string) {
	slog.SetDefault(slog.New(newStdoutHandler(parseLevel(level))))
}

type configKey struct{}

func withConfig(ctx context.Context, cfg *cliConfig) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(cmd *cobra.Command) *cliConfig {
	if cfg, ok := cmd.Context().Value(configKey{}).(*cliConfig); ok {
		return cfg
	}
	return &cliConfig{HTTPAddr: defaultHTTPAddr}
}

// formatError renders control plane errors without the transport prefix noise.
func formatError(err error) string {
	var cpErr *controlplane.ControlPlaneError
	if errors.As(err, &cpErr) {
		msg := cpErr.Message
		if cpErr.PluginCode != "" {
			msg += gray(" [" + cpErr.PluginCode + "]")
		}
		return msg
	}
	return err.Error()
}
