package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/m2tx/portfolio_lab/internal/app"
	"github.com/m2tx/portfolio_lab/internal/gateway"
	"github.com/m2tx/portfolio_lab/internal/model"
	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the portfolio assistant; without a message, start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				var history model.ConversationHistory
				if sessionID != "" {
					stored, err := a.Conversations.Load(cmd.Context(), sessionID)
					if err != nil {
						return err
					}
					history = stored
				}

				session := &chatSession{app: a, sessionID: sessionID, history: history, out: cmd.OutOrStdout()}
				if len(args) > 0 {
					return session.send(cmd.Context(), strings.Join(args, " "))
				}
				return session.repl(cmd.Context(), cmd.InOrStdin())
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "persist the conversation under this session id")
	return cmd
}

type chatSession struct {
	app       *app.App
	sessionID string
	history   model.ConversationHistory
	out       io.Writer
}

func (s *chatSession) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		if err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

func (s *chatSession) send(ctx context.Context, message string) error {
	stream, err := s.app.Gateway.SendChatMessage(ctx, s.history, message, nil)
	if err != nil {
		return err
	}

	answer, err := printStream(s.out, stream)
	if err != nil {
		return err
	}

	exchange := []model.Content{
		model.NewTextContent(model.RoleUser, message),
		model.NewTextContent(model.RoleModel, answer),
	}
	s.history = append(s.history, exchange...)
	if s.sessionID != "" {
		return s.app.Conversations.Append(ctx, s.sessionID, exchange...)
	}
	return nil
}

// printStream writes chunks as they arrive and returns the full text.
func printStream(w io.Writer, stream *gateway.Stream) (string, error) {
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		text := stream.Chunk().Text()
		sb.WriteString(text)
		fmt.Fprint(w, text)
	}
	fmt.Fprintln(w)
	return sb.String(), stream.Err()
}

func architectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "architect <question>",
		Short: "Ask a design question with extended reasoning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				stream, err := a.Gateway.AskArchitect(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				_, err = printStream(cmd.OutOrStdout(), stream)
				return err
			})
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Answer with web search grounding",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				resp, err := a.Gateway.SearchMarketTrends(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				printGrounded(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
}

func mapsCmd() *cobra.Command {
	var lat, lng float64

	cmd := &cobra.Command{
		Use:   "maps <query>",
		Short: "Answer with maps grounding, optionally biased to a location",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			latSet, lngSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng")
			if latSet != lngSet {
				return errors.New("--lat and --lng must be given together")
			}

			var loc *model.LatLng
			if latSet {
				loc = &model.LatLng{Latitude: lat, Longitude: lng}
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				resp, err := a.Gateway.QueryLocationServices(cmd.Context(), strings.Join(args, " "), loc)
				if err != nil {
					return err
				}
				printGrounded(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude to bias results toward")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude to bias results toward")
	return cmd
}

func printGrounded(w io.Writer, resp *model.Response) {
	fmt.Fprintln(w, resp.Text())

	sources := resp.Sources()
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for i, src := range sources {
		title := src.Title
		if title == "" {
			title = src.URI
		}
		fmt.Fprintf(w, "  [%d] %s - %s\n", i+1, title, src.URI)
	}
}
