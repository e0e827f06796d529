// Command peer is a headless meshroom participant. It joins a room with
// synthetic media, prints chat and peer link state and sends stdin lines as
// chat messages.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshroom-peer",
	Short: "Headless participant for meshroom video rooms",
	Long: `meshroom-peer joins a meshroom room with synthetic audio and video,
negotiates a direct connection with every other participant and relays chat
between stdin and the room.`,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
