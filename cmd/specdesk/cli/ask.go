package cli

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/rag"
	"github.com/spf13/cobra"
)

var askSession string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a single question",
	Long: `Answer a single question against the persisted index. Turns asked with the
same --session share conversation memory across invocations when
memory.store is sqlite.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		obs := newObserver(cfg, cmd.ErrOrStderr())
		defer obs.Close()

		s, err := getStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		engine, err := rag.Open(cmd.Context(), cfg, engineDeps(cfg, s, obs, events.NewBus()))
		if err != nil {
			return err
		}
		defer engine.Close()

		answer, err := engine.Answer(cmd.Context(), askSession, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askSession, "session", "s", "cli", "Conversation session id")
}
