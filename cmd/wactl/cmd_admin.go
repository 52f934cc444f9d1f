package main

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/identity"
	"github.com/ashureev/wa-gateway/internal/service"
)

func init() {
	rootCmd.AddCommand(statsCmd, cleanupCmd, tokenCmd)
	cleanupCmd.Flags().Int("max", -1, "sessions to keep (server default when negative)")
	tokenCmd.Flags().Duration("expiry", 7*24*time.Hour, "token lifetime")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry statistics (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts.admin = true
		c, err := clientFromFlags()
		if err != nil {
			return err
		}
		var st service.Stats
		if err := c.do(cmd.Context(), http.MethodGet, "/api/admin/stats", nil, &st); err != nil {
			return err
		}

		states := make([]domain.State, 0, len(st.ByState))
		for s := range st.ByState {
			states = append(states, s)
		}
		sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ACTIVE SESSIONS\t%d\n", st.ActiveSessions)
		for _, s := range states {
			fmt.Fprintf(w, "  %s\t%d\n", s, st.ByState[s])
		}
		fmt.Fprintf(w, "CACHED MESSAGES\t%d\n", st.CachedMessages)
		fmt.Fprintf(w, "PENDING WRITES\t%d\n", st.PendingWrites)
		fmt.Fprintf(w, "GOROUTINES\t%d\n", st.Goroutines)
		fmt.Fprintf(w, "HEAP\t%.1f MB\n", st.Memory.AllocMB)
		return w.Flush()
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict least recently active sessions (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts.admin = true
		c, err := clientFromFlags()
		if err != nil {
			return err
		}
		var body any
		if n, _ := cmd.Flags().GetInt("max"); n >= 0 {
			body = map[string]int{"max_sessions": n}
		}
		var res service.CleanupResult
		if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/cleanup", body, &res); err != nil {
			return err
		}
		fmt.Printf("Evicted %d sessions (%d -> %d)\n", res.Evicted, res.Before, res.After)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for --user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if opts.secret == "" || opts.user == "" {
			return fmt.Errorf("--secret and --user are required")
		}
		expiry, _ := cmd.Flags().GetDuration("expiry")
		cfg := identity.DefaultTokenConfig(opts.secret)
		cfg.Expiry = expiry
		token, err := identity.CreateToken(opts.user, opts.admin, cfg)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}
