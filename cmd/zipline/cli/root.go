// Package cli assembles the zipline command-line host process: a cobra
// command tree backed by viper-bound flags/env/config-file, composing
// the engine with its reference collaborator implementations the way
// any other host process would.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daemon-001/zipline/internal/fsys"
	"github.com/daemon-001/zipline/internal/hostinfo"
	"github.com/daemon-001/zipline/internal/netif"
	"github.com/daemon-001/zipline/internal/settingsstore"
	"github.com/daemon-001/zipline/pkg/engine"
	"github.com/daemon-001/zipline/pkg/ports"
)

var (
	cfgFile string
	logger  = logrus.NewEntry(logrus.StandardLogger())
)

// Execute builds the root command tree and runs it against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zipline",
		Short: "LAN peer-to-peer file transfer engine",
		Long: "zipline discovers other zipline hosts on the local network and\n" +
			"transfers files, folders, and text snippets directly between them.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.zipline.json)")
	root.PersistentFlags().String("name", "", "display name announced to peers (default: hostname)")
	root.PersistentFlags().Int("port", ports.DefaultListenPort, "discovery + data-plane port")
	root.PersistentFlags().String("save-dir", "", "default directory for accepted transfers")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("color", true, "colorize log output")

	_ = viper.BindPFlag("name", root.PersistentFlags().Lookup("name"))
	_ = viper.BindPFlag("port", root.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("save_dir", root.PersistentFlags().Lookup("save-dir"))
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("color", root.PersistentFlags().Lookup("color"))

	root.AddCommand(newDaemonCmd())
	root.AddCommand(newPeersCmd())
	root.AddCommand(newSendCmd())

	return root
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".zipline")
		viper.SetConfigType("json")
	}

	viper.SetEnvPrefix("zipline")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level, err := logrus.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: !viper.GetBool("color")})

	return nil
}

// stateDir is where the daemon persists settings.json, save_locations.json,
// and device_id.json, independent of the viper config file which only
// feeds process-level flags.
func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".zipline")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// buildEngine composes an engine.Engine from the viper-resolved settings
// and the reference collaborator implementations, the same way any host
// process wires the engine together. It also returns the consoleUI so
// callers can set autoAccept before starting the engine.
func buildEngine() (*engine.Engine, *consoleUI, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, nil, err
	}

	fs := fsys.NewOS()
	settingsPath := filepath.Join(dir, "settings.json")
	store := settingsstore.NewStore(fs, settingsPath)
	settings, err := store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}

	if name := viper.GetString("name"); name != "" {
		settings.DisplayName = name
	}
	if port := viper.GetInt("port"); port != 0 {
		settings.ListenPort = port
	}
	if saveDir := viper.GetString("save_dir"); saveDir != "" {
		settings.DefaultSaveDir = saveDir
	}
	if settings.DefaultSaveDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			settings.DefaultSaveDir = filepath.Join(home, "zipline-downloads")
		}
	}
	if err := store.Save(settings); err != nil {
		return nil, nil, fmt.Errorf("save settings: %w", err)
	}

	saveLocations, err := settingsstore.NewMemory(fs, filepath.Join(dir, "save_locations.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("load save-location memory: %w", err)
	}
	if saveLocations.Default() == "" {
		_ = saveLocations.SetDefault(settings.DefaultSaveDir)
	}

	ui := newConsoleUI(saveLocations, settings.DefaultSaveDir)

	eng, err := engine.New(engine.Config{
		Settings:      settings,
		HostInfo:      hostinfo.New(),
		Fs:            fs,
		Enumerator:    netif.SystemEnumerator{},
		SaveLocations: saveLocations,
		UI:            ui,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	ui.engine = eng
	return eng, ui, nil
}
