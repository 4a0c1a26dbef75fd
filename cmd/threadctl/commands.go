package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/oziev02/commentsync/internal/client"
	"github.com/oziev02/commentsync/internal/config"
	"github.com/oziev02/commentsync/internal/gateway"
	"github.com/oziev02/commentsync/internal/thread"
)

var (
	serverURL string
	userID    string
	threadID  string
	verbose   bool

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "threadctl",
		Short:         "Inspect and edit commentsync threads from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			if userID != "" {
				cfg.Client.UserID = userID
			}
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Print the current comment tree",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow the thread and reprint the tree on every change",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	postCmd = &cobra.Command{
		Use:   "post [content]",
		Short: "Add a top-level comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntent(cmd.Context(), thread.AddComment{Content: args[0]})
		},
	}
	replyCmd = &cobra.Command{
		Use:   "reply [parent-id] [content]",
		Short: "Reply to a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := thread.ParseID(args[0])
			if err != nil {
				return err
			}
			return runIntent(cmd.Context(), thread.AddReply{ParentID: parent, Content: args[1]})
		},
	}
	editCmd = &cobra.Command{
		Use:   "edit [id] [content]",
		Short: "Replace the text of a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := thread.ParseID(args[0])
			if err != nil {
				return err
			}
			return runIntent(cmd.Context(), thread.EditComment{ID: id, Content: args[1]})
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := thread.ParseID(args[0])
			if err != nil {
				return err
			}
			return runIntent(cmd.Context(), thread.DeleteComment{ID: id})
		},
	}
	likeCmd = &cobra.Command{
		Use:   "like [id]",
		Short: "Toggle your like on a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := thread.ParseID(args[0])
			if err != nil {
				return err
			}
			return runIntent(cmd.Context(), thread.ToggleLike{ID: id})
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "commentsync server URL (default $COMMENTSYNC_URL)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "acting user id (default $COMMENTSYNC_USER)")
	rootCmd.PersistentFlags().StringVarP(&threadID, "thread", "t", "", "thread id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
	_ = rootCmd.MarkPersistentFlagRequired("thread")

	rootCmd.AddCommand(listCmd, watchCmd, postCmd, replyCmd, editCmd, deleteCmd, likeCmd)
}

// newEngine собирает движок из конфигурации клиента
func newEngine(withPush bool) (*thread.Engine, error) {
	if cfg.Client.UserID == "" {
		return nil, fmt.Errorf("user id is required: pass --user or set COMMENTSYNC_USER")
	}
	remote, err := client.NewRemoteClient(cfg.Client.ServerURL, cfg.Client.UserID)
	if err != nil {
		return nil, err
	}

	opts := []thread.Option{
		thread.WithLogger(slog.Default()),
		thread.WithMetrics(thread.NewMetrics(prometheus.NewRegistry())),
		thread.WithRemoteTimeout(cfg.Client.RemoteTimeout),
		thread.WithOrphanTimeout(cfg.Client.OrphanTimeout),
		thread.WithLoopBuffer(cfg.Client.LoopBuffer),
		thread.WithGatewayConfig(gateway.Config{
			InitialBackoff: cfg.Client.BackoffInitial,
			MaxBackoff:     cfg.Client.BackoffMax,
			MaxAttempts:    cfg.Client.MaxReconnects,
		}),
	}
	if withPush {
		push, err := client.NewPushClient(cfg.Client.ServerURL, cfg.Client.UserID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, thread.WithPushChannel(push))
	}
	return thread.NewEngine(cfg.Client.UserID, remote, opts...), nil
}

func runList(cmd *cobra.Command, _ []string) error {
	engine, err := newEngine(false)
	if err != nil {
		return err
	}
	defer engine.Close()

	if _, err := engine.Open(cmd.Context(), threadID); err != nil {
		return err
	}
	printTree(os.Stdout, engine.ThreadView(threadID))
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := newEngine(true)
	if err != nil {
		return err
	}
	defer engine.Close()

	view, err := engine.Open(ctx, threadID)
	if err != nil {
		return err
	}
	changes, cancel := view.Changes()
	defer cancel()

	printTree(os.Stdout, view.Roots())
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			state, chErr := view.ChannelState()
			fmt.Fprintf(os.Stdout, "\n--- %s channel=%s", time.Now().Format(time.TimeOnly), state)
			if chErr != nil {
				fmt.Fprintf(os.Stdout, " (%v)", chErr)
			}
			fmt.Fprintln(os.Stdout)
			printTree(os.Stdout, view.Roots())
		}
	}
}

// runIntent открывает тред, применяет намерение и ждёт ответа сервера
func runIntent(ctx context.Context, intent thread.Intent) error {
	engine, err := newEngine(false)
	if err != nil {
		return err
	}
	defer engine.Close()

	if _, err := engine.Open(ctx, threadID); err != nil {
		return err
	}

	future := engine.Dispatch(threadID, intent)
	waitCtx, cancel := context.WithTimeout(ctx, cfg.Client.RemoteTimeout+time.Second)
	defer cancel()
	if err := future.Wait(waitCtx); err != nil {
		return fmt.Errorf("%s failed (%v): %w", intent.Op(), thread.KindOf(err), err)
	}

	printTree(os.Stdout, engine.ThreadView(threadID))
	return nil
}
