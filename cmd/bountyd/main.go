package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bountyd",
	Short: "bountyd - task bounty lifecycle daemon and CLI",
	Long: `bountyd coordinates bounty tasks between creators and solvers: escrowed
rewards, claim slots, the submission/review cycle, and withdrawable balances.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr   string
	authToken string
	actorAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7365", "API server address")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("BOUNTYD_TOKEN"), "Bearer token identifying the caller")
	rootCmd.PersistentFlags().StringVar(&actorAddr, "actor", os.Getenv("BOUNTYD_ACTOR"), "Wallet address to act as (auth-disabled daemons only)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(walletCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
