package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/service"
)

func init() {
	rootCmd.AddCommand(statusCmd, startCmd, stopCmd, restartCmd, logoutCmd, qrCmd)
	qrCmd.Flags().Bool("force", false, "request a fresh code")
	qrCmd.Flags().Bool("wait", true, "start the session first if it is not running")
}

func printInfo(info domain.SessionInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "USER\t%s\n", info.UserID)
	fmt.Fprintf(w, "SESSION\t%s\n", info.SessionName)
	fmt.Fprintf(w, "STATE\t%s\n", info.State)
	fmt.Fprintf(w, "RECONNECTS\t%d\n", info.ReconnectAttempts)
	fmt.Fprintf(w, "PROTOCOL ERRORS\t%d\n", info.ProtocolErrors)
	_ = w.Flush()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFromFlags()
		if err != nil {
			return err
		}
		var st service.Status
		if err := c.do(cmd.Context(), http.MethodGet, "/api/whatsapp/status", nil, &st); err != nil {
			return err
		}
		printInfo(st.SessionInfo)
		if st.HasQR {
			fmt.Println("A pairing code is waiting: run `wactl qr`.")
		}
		return nil
	},
}

// lifecycleCmd builds a command that posts to one lifecycle endpoint.
func lifecycleCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			var info domain.SessionInfo
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, &info); err != nil {
				return err
			}
			if info.State == "" {
				fmt.Println("OK")
				return nil
			}
			printInfo(info)
			return nil
		},
	}
}

var (
	startCmd   = lifecycleCmd("start", "Start the session", "/api/whatsapp/start")
	stopCmd    = lifecycleCmd("stop", "Stop the session", "/api/whatsapp/stop")
	restartCmd = lifecycleCmd("restart", "Restart the session", "/api/whatsapp/restart")
	logoutCmd  = lifecycleCmd("logout", "Log out and discard stored credentials", "/api/whatsapp/logout")
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Render the pairing QR code in the terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFromFlags()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetBool("wait")

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if wait {
			var st service.Status
			if err := c.do(ctx, http.MethodGet, "/api/whatsapp/status", nil, &st); err != nil {
				return err
			}
			if st.State == domain.StateDisconnected || st.State == domain.StateFailed {
				if err := c.do(ctx, http.MethodPost, "/api/whatsapp/start", nil, nil); err != nil {
					return err
				}
			}
		}

		path := "/api/whatsapp/qr"
		if force {
			path += "?force=true"
		}
		var qr domain.QRCode
		if err := c.do(ctx, http.MethodGet, path, nil, &qr); err != nil {
			return err
		}
		qrterminal.GenerateWithConfig(qr.Raw, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.WHITE,
			WhiteChar: qrterminal.BLACK,
			QuietZone: 1,
		})
		fmt.Printf("Generated %s. Scan it from WhatsApp > Linked devices.\n", qr.GeneratedAt.Local().Format(time.Kitchen))
		return nil
	},
}
