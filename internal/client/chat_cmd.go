package client

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prateek-m/veilchat/internal/protocol"
	"github.com/prateek-m/veilchat/internal/session"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <partner-email-or-id>",
	Short: "Open an encrypted chat with an online user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Token == "" {
			fmt.Println("Not logged in. Use 'login' first.")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := Dial(dialCtx, cfg.WebsocketURL(), cfg.Token, zerolog.Nop())
		dialCancel()
		if err != nil {
			fmt.Println("Connection failed:", err)
			return
		}
		defer func() { _ = conn.Close() }()

		partnerID, err := resolvePartner(ctx, conn, args[0])
		if err != nil {
			fmt.Println(err)
			return
		}

		mgr := session.New(conn, cfg.Self, zerolog.Nop())
		defer mgr.Close()

		if err := mgr.Refresh(ctx); err != nil {
			fmt.Println("Error fetching roster:", err)
			return
		}
		mgr.SetActive(partnerID)

		go printEvents(mgr, partnerID)

		fmt.Printf("Chatting with user %d. Type a message, or /quit to leave.\n", partnerID)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				return
			}
			sendCtx, sendCancel := context.WithTimeout(ctx, 15*time.Second)
			msg, err := mgr.SendMessage(sendCtx, partnerID, line)
			sendCancel()
			if err != nil {
				fmt.Println("Send failed:", err)
				continue
			}
			if msg == nil {
				fmt.Println("Partner is offline; message not sent.")
			}
		}
	},
}

// resolvePartner accepts a numeric user id or an email matched against the
// online roster.
func resolvePartner(ctx context.Context, conn *Conn, arg string) (int64, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var online protocol.OnlineUsers
	if err := conn.Request(reqCtx, protocol.EventGetOnlineUsers, nil, &online); err != nil {
		return 0, fmt.Errorf("error fetching online users: %w", err)
	}
	for _, u := range online.Users {
		if u.Email == arg {
			return u.ID, nil
		}
	}
	return 0, fmt.Errorf("no online user with email %q", arg)
}

func printEvents(mgr *session.Manager, partnerID int64) {
	for ev := range mgr.Events() {
		if ev.PartnerID != partnerID {
			continue
		}
		switch ev.Kind {
		case session.EventMessage:
			fmt.Printf("[%s] %s\n", ev.Message.Time.Format("15:04"), ev.Message.Body)
		case session.EventHistoryReplaced:
			fmt.Println("(history synchronized)")
			for _, m := range mgr.Messages(partnerID) {
				fmt.Printf("[%s] %s\n", m.Time.Format("15:04"), m.Body)
			}
		case session.EventDecryptFailed:
			fmt.Println("(received a message that could not be decrypted)")
		}
	}
}
