package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "echowire",
		Short: "EchoWire - real-time voice assistant gateway",
		Long: `EchoWire terminates device WebSockets and runs the voice loop:
VAD, speech recognition, the language model, tool dispatch and speech
synthesis, plus reminder scheduling and device provisioning.`,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("echowire %s\n", version)
		},
	}
}
