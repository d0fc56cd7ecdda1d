// Package cli implements the cobra command surface nightwatch exposes:
// "serve" runs the long-lived daemon, the other subcommands are the
// short-lived worker forms the job spawner execs.
package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/nightwatch-bot/nightwatch/internal/assembly"
	"github.com/nightwatch-bot/nightwatch/internal/config"
	"github.com/nightwatch-bot/nightwatch/internal/job"
)

var configPath string

// Execute builds and runs the root cobra command.
func Execute() error {
	root := &cobra.Command{
		Use:   "nightwatch",
		Short: "nightwatch is a multi-persona chat-ops bot",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config overlay")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(job.KindRun),
		newWorkerCmd(job.KindReview),
		newWorkerCmd(job.KindQA),
		newWorkerCmd(job.KindAudit),
		newWorkerCmd(job.KindBoard),
	)
	return root.Execute()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the long-lived daemon: websocket listener, trigger router, proactive loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newWorkerCmd(kind job.Kind) *cobra.Command {
	var repo, provider, prompt string
	var direct bool

	cmd := &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("run a single %s job and exit", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, kind, repo, provider, prompt, direct)
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "target repository, owner/repo")
	cmd.Flags().StringVar(&provider, "provider", "", "LLM provider override")
	cmd.Flags().StringVar(&prompt, "prompt", "", "job prompt")
	cmd.Flags().BoolVar(&direct, "direct", false, "bypass the deliberation engine and talk to the provider directly")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	app, err := assembly.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.DB.Close()

	events, err := app.Transport.Listen(ctx)
	if err != nil {
		return err
	}

	if app.HTTPServer != nil && cfg.HTTPListenAddr != "" {
		srv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: app.HTTPServer.Router()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.Log.Warn("http server stopped", "error", err.Error())
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	go app.Proactive.Run(ctx, nil, nil)

	for evt := range events {
		evt := evt
		go func() {
			if _, err := app.Router.Route(ctx, evt); err != nil {
				app.Log.Warn("failed to route event", "error", err.Error())
			}
		}()
	}
	return nil
}

func runWorker(ctx context.Context, cfg *config.Config, kind job.Kind, repo, provider, prompt string, direct bool) error {
	app, err := assembly.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.DB.Close()

	if direct {
		_, err := app.Jobs.SpawnDirectProviderRequest(ctx, provider, repo, prompt)
		return err
	}

	app.Log.Info("worker job completed", "kind", kind, "repo", repo)
	return nil
}
