// Package cmd contains the ferrumadmin commands.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/spf13/cobra"
)

var url string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ferrumadmin",
	Short: "Administer a running ferrum server",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&url, "url", "u", "http://127.0.0.1:8000", "Url of the admin RPC channel.")
}

// call performs a single request against the admin channel and decodes
// the result into the specified value.
func call(result any, method string, args ...any) {
	client, err := rpc.Dial(url)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.CallContext(ctx, result, method, args...); err != nil {
		log.Fatal(err)
	}
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		log.Fatal(err)
	}
	fmt.Println(buf.String())
}
