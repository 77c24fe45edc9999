package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Print the connected sessions.",
	Run:   clientsRun,
}

func init() {
	rootCmd.AddCommand(clientsCmd)
}

func clientsRun(cmd *cobra.Command, args []string) {
	var raw json.RawMessage
	call(&raw, "admin_clients")
	printJSON(raw)
}
