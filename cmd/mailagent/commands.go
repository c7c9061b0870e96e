package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mailagent/internal/agent"
	"mailagent/internal/api"
	"mailagent/internal/domain"
	"mailagent/internal/storage"
)

const defaultUser = "local"

func chatCmd() *cobra.Command {
	var (
		user    string
		convID  string
		message string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the mail agent from the terminal",
		Long:  "Send one message with -m (or as arguments), or start an interactive session. Type /new to start a fresh conversation and /quit to exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && len(args) > 0 {
				message = strings.Join(args, " ")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if message != "" {
				_, err := sendOnce(ctx, a.service, user, convID, message)
				return err
			}
			return chatREPL(ctx, a.service, user, convID)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "acting user id")
	cmd.Flags().StringVar(&convID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	return cmd
}

func sendOnce(ctx context.Context, svc *agent.Service, user, convID, message string) (string, error) {
	resp, err := svc.Chat(ctx, user, message, convID)
	if err != nil {
		return convID, err
	}
	fmt.Println(resp.Text)
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "(%s)\n", resp.Error)
	}
	return resp.ConversationID, nil
}

func chatREPL(ctx context.Context, svc *agent.Service, user, convID string) error {
	fmt.Println("mailagent chat. /new starts a new conversation, /quit exits.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			convID = ""
			fmt.Println("Started a new conversation.")
			continue
		}
		next, err := sendOnce(ctx, svc, user, convID, line)
		if err != nil {
			return err
		}
		convID = next
	}
}

func historyCmd() *cobra.Command {
	var (
		user  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List conversations, or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				conv, err := store.GetConversation(ctx, args[0], user)
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("conversation %s not found", args[0])
				}
				if err != nil {
					return err
				}
				printConversation(*conv)
				return nil
			}

			convs, err := store.ListConversations(ctx, user, limit)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, c := range convs {
				fmt.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "owning user id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum conversations to list")
	return cmd
}

func printConversation(c domain.Conversation) {
	fmt.Printf("%s  %s\n\n", c.ID, c.Title)
	for _, t := range agent.VisibleTurns(c.Turns) {
		at := t.Timestamp.Local().Format(time.TimeOnly)
		if t.Kind == domain.TurnToolCall {
			status := "ok"
			if t.IsError {
				status = "error"
			}
			fmt.Printf("[%s] tool %s %v (%s)\n\n", at, t.ToolName, t.Arguments, status)
			continue
		}
		fmt.Printf("[%s] %s\n%s\n\n", at, t.Kind, t.Content)
	}
}

func connectCmd() *cobra.Command {
	var (
		user  string
		code  string
		state string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a Gmail account",
		Long: `Without flags, prints the consent URL for the user. With --code and
--state (as returned to the redirect URL), completes the authorization locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if code == "" {
				url, st := a.credentials.Authorize(ctx, user)
				fmt.Println("Open this URL to grant access:")
				fmt.Println(url)
				fmt.Println()
				fmt.Printf("Then run: mailagent connect --user %s --state %s --code <code>\n", user, st)
				fmt.Println("(State values are held in memory; use `mailagent serve` for the browser callback flow.)")
				return nil
			}

			// States issued by another process are unknown here, so a local
			// completion trusts --user when --state is absent.
			if state != "" {
				owner, err := a.credentials.ResolveState(state)
				if err == nil {
					user = owner
				}
			}
			cred, err := a.credentials.CompleteAuthorization(ctx, user, code)
			if err != nil {
				return err
			}
			fmt.Printf("Connected %s (expires %s)\n", cred.UserID, cred.Expiry.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "user id to connect")
	cmd.Flags().StringVar(&code, "code", "", "authorization code from the redirect")
	cmd.Flags().StringVar(&state, "state", "", "state value from the redirect")
	return cmd
}

func revokeCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Disconnect a Gmail account and revoke its tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.credentials.Revoke(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Printf("Disconnected %s\n", user)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "user id to disconnect")
	return cmd
}

func usageCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show connection state and rate-limit usage for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			cred, err := a.credentials.Status(ctx, user)
			if err != nil {
				return err
			}
			if cred.Expiry.IsZero() {
				fmt.Printf("Gmail:      %s\n", cred.State)
			} else {
				fmt.Printf("Gmail:      %s (token expires %s)\n", cred.State, cred.Expiry.Local().Format(time.DateTime))
			}

			used, d, err := a.limiter.Usage(ctx, user)
			if err != nil {
				return fmt.Errorf("read usage: %w", err)
			}
			fmt.Printf("Rate limit: %d/%d used (%s backend), window resets in %ds\n",
				used, a.limiter.Limit(), cfg.RateLimit.Backend, d.ResetSeconds)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "user id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwtSecret is not set")
			}
			tok, err := api.NewAuthenticator(cfg.API.JWTSecret, cfg.API.JWTIssuer).Issue(user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
