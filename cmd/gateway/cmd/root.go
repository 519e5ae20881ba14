package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "io-auth-gateway is the Lollipop PoP and session gateway",
	Long: `Backend-for-frontend gateway core for the digital-identity app:
Lollipop proof-of-possession resolution and session/authentication-lock
management.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
