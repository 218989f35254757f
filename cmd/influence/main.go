package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile  string
	interactive bool
)

var rootCmd = &cobra.Command{
	Use:   "influence",
	Short: "Patch constructors of compiled module types",
	Long: `influence rewrites copies of WebAssembly modules so that the first
declared constructor of a type calls a host routine before anything else,
and instantiates types from the patched copies without touching the
installed images.

Modules are found through the search paths. Configuration is read from
influence.yaml, influence.toml or influence.json in the working directory
or $HOME/.config/influence, and from INFLUENCE_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !interactive {
			return cmd.Help()
		}
		a, err := newApp(cmd.Context(), cmd.Root().PersistentFlags(), nil)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())
		return runInteractive(a)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: influence.{yaml,toml,json} in . or $HOME/.config/influence)")
	pf.String("scratch-dir", "", "directory for patched images")
	pf.StringSlice("search-path", nil, "directories or images to catalog (repeatable)")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.Uint32("memory-limit-pages", 0, "linear memory cap per module in 64KiB pages")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "interactive mode with TUI")

	rootCmd.AddCommand(identityCmd, typesCmd, patchCmd, demoCmd, registryCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, render(errorStyle, "Error: "+err.Error()))
		os.Exit(1)
	}
}
