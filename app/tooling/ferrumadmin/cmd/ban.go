package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var banCmd = &cobra.Command{
	Use:   "ban <cidr>",
	Short: "Refuse new connections from a subnet.",
	Args:  cobra.ExactArgs(1),
	Run:   banRun,
}

var unbanCmd = &cobra.Command{
	Use:   "unban <cidr>",
	Short: "Lift a subnet ban.",
	Args:  cobra.ExactArgs(1),
	Run:   unbanRun,
}

var bansCmd = &cobra.Command{
	Use:   "bans",
	Short: "Print the banned subnets.",
	Run:   bansRun,
}

func init() {
	rootCmd.AddCommand(banCmd)
	rootCmd.AddCommand(unbanCmd)
	rootCmd.AddCommand(bansCmd)
}

func banRun(cmd *cobra.Command, args []string) {
	var raw json.RawMessage
	call(&raw, "admin_banSubnet", args[0])
	printJSON(raw)
}

func unbanRun(cmd *cobra.Command, args []string) {
	var result bool
	call(&result, "admin_unbanSubnet", args[0])
	fmt.Println(result)
}

func bansRun(cmd *cobra.Command, args []string) {
	var raw json.RawMessage
	call(&raw, "admin_listBans")
	printJSON(raw)
}
