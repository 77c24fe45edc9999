package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the server to shut down gracefully.",
	Run:   stopRun,
}

var forcePollCmd = &cobra.Command{
	Use:   "forcepoll",
	Short: "Ask the server to poll the node now.",
	Run:   forcePollRun,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(forcePollCmd)
}

func stopRun(cmd *cobra.Command, args []string) {
	var result string
	call(&result, "admin_stop")
	fmt.Println(result)
}

func forcePollRun(cmd *cobra.Command, args []string) {
	var result string
	call(&result, "admin_forcePoll")
	fmt.Println(result)
}
