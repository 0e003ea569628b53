package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/otagon/otagon/generation/conversation"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/summarizer"
)

type askOutput struct {
	ConversationID       string            `json:"conversationId"`
	Response             *ports.AIResponse `json:"response"`
	Summarized           bool              `json:"summarized"`
	SummarizationWarning bool              `json:"summarizationWarning"`
}

func newAskCmd(a *app) *cobra.Command {
	var (
		convID    string
		game      string
		genre     string
		imagePath string
		userID    string
		opts      conversation.SendOptions
	)
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message through the orchestrator and print the response as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			if imagePath != "" {
				img, err := readImage(imagePath)
				if err != nil {
					return err
				}
				opts.Image = img
			}

			database, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			factory := harness.NewFactory(a.cfg, database, a.logger)
			orch := factory.CreateOrchestrator(nil)
			defer orch.Flush()

			svc := conversation.NewService(
				factory.CreateStore(),
				orch,
				summarizer.New(a.cfg.Summarizer, orch, a.logger),
				a.logger,
			)

			if convID == "" {
				conv, err := svc.Create(ctx, "", game, genre)
				if err != nil {
					return err
				}
				convID = conv.ID
			}

			// quotas are enforced by the proxy; the local user only keys the limiter
			user := &ports.User{ID: userID, Tier: ports.TierFree}
			res, err := svc.SendMessage(ctx, convID, user, message, opts)
			if res == nil {
				return err
			}
			if err != nil {
				a.logger.Error().Err(err).Msg("response was produced but not saved")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(askOutput{
				ConversationID:       convID,
				Response:             res.Response,
				Summarized:           res.Summarized,
				SummarizationWarning: res.SummarizationWarning,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&convID, "conversation", "", "existing conversation id (a new one is created when empty)")
	f.StringVar(&game, "game", "", "game title for a new conversation")
	f.StringVar(&genre, "genre", "", "game genre for a new conversation")
	f.StringVar(&imagePath, "image", "", "screenshot to attach")
	f.StringVar(&userID, "user", "local", "user id used for rate limiting")
	f.BoolVar(&opts.IsActiveSession, "active", false, "the player is currently playing")
	f.BoolVar(&opts.Structured, "structured", false, "request a JSON structured response")
	f.BoolVar(&opts.NoCache, "no-cache", false, "bypass the response cache")
	return cmd
}

// readImage returns the file as a data URL.
func readImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
