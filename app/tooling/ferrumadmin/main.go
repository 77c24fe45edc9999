// This program performs administrative tasks against a running ferrum
// service over its admin RPC channel.
package main

import (
	"github.com/ferrumserver/ferrum/app/tooling/ferrumadmin/cmd"
)

func main() {
	cmd.Execute()
}
