package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and store the session token",
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		user, token, err := Login(cfg.ServerURL, email, password)
		if err != nil {
			fmt.Println("Login failed:", err)
			return
		}

		cfg.Self = user
		cfg.Token = token
		if err := saveConfig(); err != nil {
			fmt.Println("Error saving config:", err)
			return
		}
		fmt.Printf("Logged in as %s (id %d)\n", user.Name, user.ID)
	},
}
