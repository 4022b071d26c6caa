package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long: `Write the default configuration to --config, or to config.yaml in the
home directory. An existing file is kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		path := cfgFile
		if path == "" {
			path = h.ConfigPath()
		}
		if !configForce && path == h.ConfigPath() && h.ConfigExists() {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path, h); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the effective configuration, or one key of it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return api.Output(mgr.Settings())
		}
		v, err := mgr.Value(args[0])
		if err != nil {
			return err
		}
		return api.Output(map[string]any{args[0]: v})
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configGetCmd)
	rootCmd.AddCommand(configCmd)
}
