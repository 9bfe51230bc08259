package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/config"
	"github.com/felixgeelhaar/specdesk/internal/memory"
	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/felixgeelhaar/specdesk/internal/store"
	"github.com/spf13/cobra"
)

var purgeOlderThan time.Duration

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage conversation memory",
}

// sessionMemory opens a memory manager over the SQLite store. Summarization
// is never triggered from these commands, so no model is needed.
func sessionMemory(cfg *config.Config, obs *observe.Observer) (*memory.Manager, *store.SQLiteStore, error) {
	s, err := getStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	m := memory.NewManager(nil, s, memory.Options{
		MaxTokenLimit:   cfg.Memory.MaxTokenLimit,
		MaxPendingTurns: cfg.Memory.MaxPendingTurns,
		MaxArchiveTurns: cfg.Memory.MaxArchiveTurns,
		Policy:          memory.PolicyByName(cfg.Memory.Policy),
		Observer:        obs,
	})
	return m, s, nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := getStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		sessions, err := s.ListSessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tPENDING\tCOMPACTIONS\tUPDATED")
		for _, sess := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", sess.ID, sess.Phase, sess.Pending, sess.Compactions,
				sess.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Print a session's summary and pending turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		obs := newObserver(cfg, cmd.ErrOrStderr())
		m, s, err := sessionMemory(cfg, obs)
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := m.Snapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Session:     %s\n", sess.ID)
		fmt.Fprintf(out, "Phase:       %s\n", sess.Phase)
		fmt.Fprintf(out, "Compactions: %d\n", sess.Compactions)
		fmt.Fprintf(out, "Tokens:      %d pending (limit %d)\n", sess.PendingTokens(), cfg.Memory.MaxTokenLimit)
		if history := memory.RenderHistory(sess); history != "" {
			fmt.Fprintf(out, "\n%s\n", history)
		}
		return nil
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset [session-id]",
	Short: "Forget a session's conversation memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		obs := newObserver(cfg, cmd.ErrOrStderr())
		m, s, err := sessionMemory(cfg, obs)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := m.Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s reset\n", args[0])
		return nil
	},
}

var sessionPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete sessions idle longer than memory.session_ttl",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		obs := newObserver(cfg, cmd.ErrOrStderr())
		m, s, err := sessionMemory(cfg, obs)
		if err != nil {
			return err
		}
		defer s.Close()

		ttl := cfg.Memory.SessionTTL
		if purgeOlderThan > 0 {
			ttl = purgeOlderThan
		}
		n, err := m.Purge(cmd.Context(), ttl)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d session(s)\n", n)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
	sessionCmd.AddCommand(sessionPurgeCmd)
	sessionPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Idle time before a session is purged (default memory.session_ttl)")
}
