package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	settings = newSettings()
	envFile  string
)

var rootCmd = &cobra.Command{
	Use:           "numeros",
	Short:         "Numeros - subscription webhook reconciler",
	Long:          `Numeros keeps subscriber status, expiry and owned magazine issues in the shop's customer records in step with subscription webhooks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv(envFile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "numeros %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("env", "dev", "environment: dev or prod")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("store", storeShopify, "record store: shopify or memory")
	flags.String("catalog-source", catalogFile, "catalog source: file, redis or postgres")
	flags.String("catalog-file", "./data/numeros.json", "catalog file for the file source")
	flags.String("default-age", "6-9", "age bracket used when an order carries none")

	mustBind("env", flags.Lookup("env"))
	mustBind("log_level", flags.Lookup("log-level"))
	mustBind("store", flags.Lookup("store"))
	mustBind("catalog_source", flags.Lookup("catalog-source"))
	mustBind("catalog_file", flags.Lookup("catalog-file"))
	mustBind("num_default_age", flags.Lookup("default-age"))

	rootCmd.AddCommand(versionCmd, serveCmd, grantCmd, inspectCmd, simulateCmd, catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
