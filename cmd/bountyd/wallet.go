package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/bountyd/internal/identity"
	"github.com/spf13/cobra"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Balances, withdrawals and claim slots",
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance [address]",
	Short: "Show a solver's reward balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletBalance,
}

var walletWithdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw from your outstanding balance",
	RunE:  runWalletWithdraw,
}

var walletSlotsCmd = &cobra.Command{
	Use:   "slots [address]",
	Short: "Show a solver's claim slot usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletSlots,
}

var walletClaimsCmd = &cobra.Command{
	Use:   "claims [address]",
	Short: "List a solver's task applications",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletClaims,
}

var walletTokenCmd = &cobra.Command{
	Use:   "token [address]",
	Short: "Issue a bearer token for an address (requires the daemon's auth secret)",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletToken,
}

var (
	withdrawAmount int64
	claimStatus    string
	tokenSecret    string
	tokenTTL       time.Duration
)

func init() {
	walletCmd.AddCommand(walletBalanceCmd, walletWithdrawCmd, walletSlotsCmd, walletClaimsCmd, walletTokenCmd)

	walletClaimsCmd.Flags().StringVar(&claimStatus, "status", "", "Filter by claim status (pending, approved, rejected)")

	walletWithdrawCmd.Flags().Int64Var(&withdrawAmount, "amount", 0, "Amount in base units (required)")
	walletWithdrawCmd.MarkFlagRequired("amount")

	walletTokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Signing secret shared with the daemon (required)")
	walletTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	walletTokenCmd.MarkFlagRequired("secret")
}

func runWalletBalance(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/solvers/" + args[0] + "/balance")
	if err != nil {
		return err
	}

	var bal map[string]interface{}
	if err := json.Unmarshal(resp, &bal); err != nil {
		return err
	}

	fmt.Printf("Accrued:   %v\n", bal["accrued"])
	fmt.Printf("Withdrawn: %v\n", bal["withdrawn"])
	fmt.Printf("Available: %v\n", bal["available"])
	return nil
}

func runWalletWithdraw(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/v1/withdrawals", map[string]interface{}{
		"amount": withdrawAmount,
	})
	if err != nil {
		return err
	}

	var bal map[string]interface{}
	if err := json.Unmarshal(resp, &bal); err != nil {
		return err
	}

	fmt.Printf("Withdrew %d; available balance is now %v\n", withdrawAmount, bal["available"])
	return nil
}

func runWalletSlots(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/solvers/" + args[0] + "/slots")
	if err != nil {
		return err
	}

	var slots map[string]interface{}
	if err := json.Unmarshal(resp, &slots); err != nil {
		return err
	}

	fmt.Printf("Slots held: %v of %v\n", slots["held"], slots["cap"])
	return nil
}

func runWalletClaims(cmd *cobra.Command, args []string) error {
	path := "/api/v1/solvers/" + args[0] + "/applications"
	if claimStatus != "" {
		path += "?status=" + claimStatus
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var apps []map[string]interface{}
	if err := json.Unmarshal(resp, &apps); err != nil {
		return err
	}

	if len(apps) == 0 {
		fmt.Println("No claims found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tSLOT\tAPPLIED")
	for _, a := range apps {
		slot := ""
		if held, ok := a["slot_held"].(bool); ok && held {
			slot = "held"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(a["id"].(string)), truncateID(a["task_id"].(string)), a["status"], slot, a["created_at"])
	}
	w.Flush()
	return nil
}

func runWalletToken(cmd *cobra.Command, args []string) error {
	token, err := identity.NewVerifier(tokenSecret).Issue(args[0], tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
