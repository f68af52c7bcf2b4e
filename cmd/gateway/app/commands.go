// Package app provides the gateway command-line interface.
package app

import (
	"github.com/spf13/cobra"

	"github.com/mew-protocol/gateway/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:               "gateway",
	DisableAutoGenTag: true,
	Version:           version.Full(),
	Short:             "gateway is the broadcast substrate of a multi-entity workspace",
	Long: `The gateway hosts one space: an isolated workspace in which humans,
agents, and tool servers exchange typed JSON envelopes over a shared
broadcast fabric.

The gateway owns the participant roster, authenticates joiners against
per-participant tokens, evaluates capability patterns before any envelope
is forwarded, mediates runtime capability grants, assigns binary stream
ids, and delivers every accepted envelope to every connected participant.

Participants connect over WebSocket or over paired FIFOs, as selected by
the space descriptor.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd assembles the root command for the gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newStartCmd())
	return rootCmd
}
