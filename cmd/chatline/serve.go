package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/chatline/internal/pkg/config"
	"github.com/tjfontaine/chatline/internal/telemetry"
	"github.com/tjfontaine/chatline/pkg/chatline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo chat app",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := newLogger(os.Stdout, debug)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	shutdownTracer, err := telemetry.Init(cfg.Telemetry, nil, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	app, err := chatline.New(
		chatline.WithFileConfig(configPath),
		chatline.WithCallbacks(demoCallbacks()),
		chatline.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// demoCallbacks is an echo bot that exercises steps, streaming, actions and
// asks.
func demoCallbacks() *chatline.Callbacks {
	return chatline.NewCallbacks().
		OnChatStart(func(ctx context.Context) error {
			msg := chatline.NewMessage("Hello! Send me anything and I will echo it back.")
			msg.Actions = []*chatline.Action{chatline.NewAction("name", nil, "Tell me your name")}
			return msg.Send(ctx)
		}).
		OnMessage(func(ctx context.Context, in *chatline.Message) error {
			step := chatline.NewStep("echo", "tool")
			step.Input = in.Content()
			err := chatline.Run(ctx, step, func(ctx context.Context) error {
				step.Output = strings.ToUpper(in.Content())
				return nil
			})
			if err != nil {
				return err
			}

			out := chatline.NewMessage("")
			for _, word := range strings.Fields(in.Content()) {
				if chatline.ShouldStop(ctx) {
					break
				}
				if err := out.Stream(ctx, word+" "); err != nil {
					return err
				}
			}
			return out.Send(ctx)
		}).
		OnAction("name", func(ctx context.Context, action *chatline.Action) error {
			reply, err := chatline.AskUserMessage{Content: "What is your name?", Timeout: 60}.Send(ctx)
			if err != nil || reply == nil {
				return err
			}
			return chatline.NewMessage("Nice to meet you, " + reply.Content() + "!").Send(ctx)
		}).
		Build()
}
