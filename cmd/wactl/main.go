// wactl is the operator CLI for the WhatsApp session gateway.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var opts struct {
	server string
	token  string
	secret string
	user   string
	admin  bool
}

var rootCmd = &cobra.Command{
	Use:           "wactl",
	Short:         "Operate the WhatsApp session gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("WACTL_SERVER", "http://localhost:8080"), "gateway base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("WACTL_TOKEN"), "bearer token")
	pf.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint a token when --token is empty")
	pf.StringVarP(&opts.user, "user", "u", os.Getenv("WACTL_USER"), "user id the command acts for")
	pf.BoolVar(&opts.admin, "admin", false, "mint an admin token")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
