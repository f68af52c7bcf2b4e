// The gateway is the single authoritative process of a space. It
// authenticates joiners, enforces capability patterns over outgoing
// envelopes, brokers capability delegation and binary streams, and fans
// every accepted envelope out to all connected participants.
package main

import (
	"os"

	"github.com/mew-protocol/gateway/cmd/gateway/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
