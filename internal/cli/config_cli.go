package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duecall/duecall/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print resolved configuration",
	Long: `Load and print the resolved DueCall configuration as TOML.
Shows the result of merging defaults, duecall.toml, environment variables,
and flags.`,
	RunE: runConfig,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long: `Get a specific configuration value by dotted key path.
Examples: server.port, database.url, redis.addr, jobs.workers`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in duecall.toml",
	Long: `Set a configuration value in the duecall.toml config file.
Creates the file if it doesn't exist.
Examples:
  duecall config set server.port 8378
  duecall config set redis.addr 127.0.0.1:6380
  duecall config set database.url postgres://localhost:5432/duecall`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default duecall.toml",
	Long: `Write the default configuration file with comments explaining every
section. Fails if the file already exists.`,
	RunE: runConfigInit,
}

func init() {
	configCmd.Flags().String("config", "", "Path to duecall.toml config file")
	configGetCmd.Flags().String("config", "", "Path to duecall.toml config file")
	configSetCmd.Flags().String("config", "", "Path to duecall.toml config file")
	configInitCmd.Flags().String("config", "", "Path to write (default duecall.toml)")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if outputFormat(cmd) == "json" {
		return json.NewEncoder(os.Stdout).Encode(cfg)
	}

	out, err := cfg.ToTOML()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	fmt.Print(out)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	value, err := config.GetValue(cfg, args[0])
	if err != nil {
		return err
	}

	if outputFormat(cmd) == "json" {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"key": args[0], "value": value})
	}

	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = "duecall.toml"
	}

	key := args[0]
	value := args[1]

	// Validate the key is recognized.
	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	if err := config.SetValue(configPath, key, value); err != nil {
		return fmt.Errorf("setting config value: %w", err)
	}

	fmt.Printf("%s = %s\n", key, value)
	fmt.Printf("Written to %s\n", configPath)

	// Validate the resulting config. Only warn, don't fail; the user may be
	// setting values incrementally.
	if _, err := config.Load(configPath, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Note: %v\n", err)
	}

	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = "duecall.toml"
	}

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	if err := config.GenerateDefault(configPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}
