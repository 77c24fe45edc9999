package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var getInfoCmd = &cobra.Command{
	Use:   "getinfo",
	Short: "Print the server runtime snapshot.",
	Run:   getInfoRun,
}

func init() {
	rootCmd.AddCommand(getInfoCmd)
}

func getInfoRun(cmd *cobra.Command, args []string) {
	var raw json.RawMessage
	call(&raw, "admin_getInfo")
	printJSON(raw)
}
