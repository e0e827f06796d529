package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"meshroom/internal/client"

	"github.com/spf13/cobra"
)

var flagCodeServer string

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Ask the server for a fresh room code and share link",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		link, err := client.CreateRoom(ctx, http.DefaultClient, flagCodeServer)
		if err != nil {
			return err
		}
		fmt.Printf("code:  %s\nshare: %s\n", link.Code, link.ShareLink)
		return nil
	},
}

func init() {
	codeCmd.Flags().StringVar(&flagCodeServer, "server", "ws://localhost:3000/ws", "signaling server websocket URL")
	rootCmd.AddCommand(codeCmd)
}
