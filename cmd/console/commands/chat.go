package commands

import (
	"errors"
	"strings"

	"github.com/opsconsole/console/internal/chat"
	"github.com/opsconsole/console/pkg/realtime"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send chat messages on the real-time channel",
}

var chatSendCmd = &cobra.Command{
	Use:   "send MESSAGE...",
	Short: "Send one chat message",
	Long: `Open the channel, send one chat message and close the channel again.

All arguments are joined with spaces into a single message.

Examples:
  console chat send "deploy finished"
  console chat send on call until 18h`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChatSend,
}

func init() {
	chatCmd.AddCommand(chatSendCmd)
	rootCmd.AddCommand(chatCmd)
}

func runChatSend(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	message := strings.Join(args, " ")
	if strings.TrimSpace(message) == "" {
		return e.p.Error("empty message", "Chat messages must contain text.", nil)
	}

	rt, err := e.connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer rt.Stop()

	if err := rt.SendChat(message); err != nil {
		switch {
		case errors.Is(err, chat.ErrRateLimited):
			return e.p.Error("rate limited", "Too many messages were sent in a short time.", []string{"Wait a moment and try again"})
		case realtime.IsNotConnected(err):
			return e.p.Error("channel closed", "The real-time channel closed before the message was sent.", []string{"Try again:\n  console chat send ..."})
		default:
			return e.p.Error("failed to send message", err.Error(), nil)
		}
	}

	e.p.Success("Message sent\n")
	return nil
}
