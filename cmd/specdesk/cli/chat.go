package cli

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/rag"
	"github.com/felixgeelhaar/specdesk/internal/ui/tui"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// The TUI owns the terminal; logs would corrupt it unless sent elsewhere.
		var logOut io.Writer = io.Discard
		if verbose {
			logOut = cmd.ErrOrStderr()
		}
		obs := newObserver(cfg, logOut)
		defer obs.Close()

		s, err := getStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		bus := events.NewBus()
		engine, err := rag.Open(cmd.Context(), cfg, engineDeps(cfg, s, obs, bus))
		if err != nil {
			return err
		}
		defer engine.Close()

		sessionID := chatSession
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		model := tui.NewModel(cmd.Context(), engine, "specdesk", sessionID)
		program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		ui := tui.NewTUI(program)

		// Handlers run on the answering goroutine, which must not wait on the UI.
		unsubscribe := bus.Subscribe(func(e events.Event) {
			if e.SessionID != sessionID {
				return
			}
			switch e.Type {
			case events.EventMemorySummarizing:
				go ui.UpdateStatus("Summarizing conversation...")
			case events.EventMemoryOverflow:
				go ui.Log(fmt.Sprintf("Memory full: %d earlier turn(s) dropped", e.Int("dropped")))
			case events.EventAnswerFallback:
				go ui.Log("The model provider failed; a fallback reply was sent.")
			}
		}, events.EventMemorySummarizing, events.EventMemoryOverflow, events.EventAnswerFallback)
		defer unsubscribe()

		if _, err := program.Run(); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		if cfg.Memory.Store == "sqlite" {
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s saved. Resume with --session %s\n", sessionID, sessionID)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Resume a session (default: new random id)")
}
