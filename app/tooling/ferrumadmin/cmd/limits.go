package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	throttleHi    int
	throttleLo    int
	throttleDecay int
)

var throttleCmd = &cobra.Command{
	Use:   "throttle",
	Short: "Change the node pacing parameters.",
	Run:   throttleRun,
}

var maxBufferCmd = &cobra.Command{
	Use:   "maxbuffer <bytes>",
	Short: "Change the per connection request limit.",
	Args:  cobra.ExactArgs(1),
	Run:   maxBufferRun,
}

func init() {
	rootCmd.AddCommand(throttleCmd)
	throttleCmd.Flags().IntVar(&throttleHi, "hi", 50, "Congestion ceiling before requests queue.")
	throttleCmd.Flags().IntVar(&throttleLo, "lo", 20, "Congestion floor the decay drains toward.")
	throttleCmd.Flags().IntVar(&throttleDecay, "decay", 10, "Congestion units recovered per tick.")

	rootCmd.AddCommand(maxBufferCmd)
}

func throttleRun(cmd *cobra.Command, args []string) {
	var raw json.RawMessage
	call(&raw, "admin_setThrottle", throttleHi, throttleLo, throttleDecay)
	printJSON(raw)
}

func maxBufferRun(cmd *cobra.Command, args []string) {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatal(err)
	}

	var result int
	call(&result, "admin_setMaxBuffer", n)
	fmt.Println(result)
}
