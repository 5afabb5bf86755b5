package client

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prateek-m/veilchat/internal/protocol"
)

func init() {
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users currently online",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Token == "" {
			fmt.Println("Not logged in. Use 'login' first.")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conn, err := Dial(ctx, cfg.WebsocketURL(), cfg.Token, zerolog.Nop())
		if err != nil {
			fmt.Println("Connection failed:", err)
			return
		}
		defer func() { _ = conn.Close() }()

		var online protocol.OnlineUsers
		if err := conn.Request(ctx, protocol.EventGetOnlineUsers, nil, &online); err != nil {
			fmt.Println("Error fetching online users:", err)
			return
		}

		if len(online.Users) == 0 {
			fmt.Println("Nobody is online.")
			return
		}
		for _, u := range online.Users {
			marker := ""
			if u.ID == cfg.Self.ID {
				marker = " (you)"
			}
			fmt.Printf("%4d  %s <%s>%s\n", u.ID, u.Name, u.Email, marker)
		}
	},
}
