package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/felixgeelhaar/specdesk/internal/config"
	"github.com/felixgeelhaar/specdesk/internal/credential"
	"github.com/spf13/cobra"
)

var forceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a stored value (keys ending in .api_key are encrypted)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := getStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if isSecretKey(key) {
			err = s.SetSecret(key, value)
		} else {
			err = s.SetConfig(key, value)
		}
		if err != nil {
			return fmt.Errorf("failed to set config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", key)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a stored value (secrets are masked)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := getStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		var val string
		if isSecretKey(key) {
			val, err = s.GetSecret(key)
			if err == nil && val != "" {
				val = credential.MaskSecret(val)
			}
		} else {
			val, err = s.GetConfig(key)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if val == "" {
			fmt.Fprintln(out, "(not set)")
		} else {
			fmt.Fprintln(out, val)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !forceInit {
			return fmt.Errorf("%s already exists; pass --force to overwrite", configPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing file")
}
