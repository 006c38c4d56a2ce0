package main

import (
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dork/dork/internal/common/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and modify the persisted configuration",
		Long: "Reads and writes config.json under the dork home directory.\n" +
			"Without a subcommand, prints every known key with its effective\n" +
			"value and whether it comes from the config file or a default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig()
		},
	}
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configListCmd())
	cmd.AddCommand(configResetCmd())
	cmd.AddCommand(configEditCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, ok := config.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown configuration key %q", args[0])
			}
			flat, err := fileValues()
			if err != nil {
				return err
			}
			value := opt.Default
			if v, ok := flat[opt.Key]; ok {
				value = v
			}
			fmt.Println(config.FormatValue(value))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist one configuration value to config.json",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, ok := config.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown configuration key %q", args[0])
			}
			value, err := config.ParseValue(opt, args[1])
			if err != nil {
				return err
			}
			home := config.HomeDir()
			if err := config.SetFileValue(home, opt.Key, value); err != nil {
				return err
			}
			if opt.Sensitive {
				fmt.Fprintf(os.Stderr, "Warning: %s is stored in plain text in %s\n",
					opt.Key, config.ConfigFilePath(home))
			}
			fmt.Printf("%s = %s\n", opt.Key, config.FormatValue(value))
			return nil
		},
	}
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known configuration key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig()
		},
	}
}

func configResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [key]",
		Short: "Remove a persisted value, or the whole config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.HomeDir()
			if len(args) == 0 {
				if err := config.ResetAllFileValues(home); err != nil {
					return err
				}
				fmt.Println("Configuration reset to defaults")
				return nil
			}
			opt, ok := config.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown configuration key %q", args[0])
			}
			removed, err := config.ResetFileValue(home, opt.Key)
			if err != nil {
				return err
			}
			if removed {
				fmt.Printf("%s reset to default (%s)\n", opt.Key, config.FormatValue(opt.Default))
			} else {
				fmt.Printf("%s was not set\n", opt.Key)
			}
			return nil
		},
	}
}

func configEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Open config.json in $EDITOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.HomeDir()
			if err := config.EnsureHome(home); err != nil {
				return err
			}

			editor := os.Getenv("VISUAL")
			if editor == "" {
				editor = os.Getenv("EDITOR")
			}
			if editor == "" {
				editor = "vi"
			}

			edit := exec.Command(editor, config.ConfigFilePath(home))
			edit.Stdin = os.Stdin
			edit.Stdout = os.Stdout
			edit.Stderr = os.Stderr
			if err := edit.Run(); err != nil {
				return fmt.Errorf("editor exited with an error: %w", err)
			}

			if _, err := config.LoadWithHome(home); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.ConfigFilePath(config.HomeDir()))
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the persisted configuration loads cleanly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadWithHome(config.HomeDir()); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	}
}

// printConfig renders every known key with its effective value and origin.
func printConfig() error {
	flat, err := fileValues()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, opt := range config.Options() {
		value := opt.Default
		origin := "(default)"
		if v, ok := flat[opt.Key]; ok {
			value = v
			origin = "(config)"
		}
		rendered := config.FormatValue(value)
		if opt.Sensitive && rendered != "" {
			rendered = "********"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", opt.Key, rendered, origin)
	}
	return w.Flush()
}

// fileValues reads config.json flattened to dotted keys.
func fileValues() (map[string]any, error) {
	values, err := config.ReadFileValues(config.HomeDir())
	if err != nil {
		return nil, err
	}
	return config.FlattenValues(values), nil
}
