package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(signupCmd)
	signupCmd.Flags().String("email", "", "Account email")
	signupCmd.Flags().String("name", "", "Display name")
	signupCmd.Flags().String("password", "", "Account password")
	_ = signupCmd.MarkFlagRequired("email")
	_ = signupCmd.MarkFlagRequired("name")
	_ = signupCmd.MarkFlagRequired("password")
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and store the session token",
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		password, _ := cmd.Flags().GetString("password")

		user, token, err := Signup(cfg.ServerURL, email, name, password)
		if err != nil {
			fmt.Println("Signup failed:", err)
			return
		}

		cfg.Self = user
		cfg.Token = token
		if err := saveConfig(); err != nil {
			fmt.Println("Error saving config:", err)
			return
		}
		fmt.Printf("Signed up as %s (id %d)\n", user.Name, user.ID)
	},
}
