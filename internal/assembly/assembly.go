// Package assembly wires every component together from a loaded Config,
// with no globals: the resulting App struct is explicit dependency
// injection, the same shape the teacher's Plugin struct held its
// collaborators in, generalized to a process with no plugin host to hand
// it a lifecycle.
package assembly

import (
	"context"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/nightwatch-bot/nightwatch/internal/board"
	"github.com/nightwatch-bot/nightwatch/internal/config"
	"github.com/nightwatch-bot/nightwatch/internal/discussion"
	"github.com/nightwatch-bot/nightwatch/internal/httpapi"
	"github.com/nightwatch-bot/nightwatch/internal/job"
	"github.com/nightwatch-bot/nightwatch/internal/llm"
	"github.com/nightwatch-bot/nightwatch/internal/logging"
	"github.com/nightwatch-bot/nightwatch/internal/memory"
	"github.com/nightwatch-bot/nightwatch/internal/persona"
	"github.com/nightwatch-bot/nightwatch/internal/proactive"
	"github.com/nightwatch-bot/nightwatch/internal/project"
	"github.com/nightwatch-bot/nightwatch/internal/reply"
	"github.com/nightwatch-bot/nightwatch/internal/router"
	"github.com/nightwatch-bot/nightwatch/internal/state"
	"github.com/nightwatch-bot/nightwatch/internal/store"
	"github.com/nightwatch-bot/nightwatch/internal/transport"
)

// App holds every wired collaborator a running nightwatch process needs.
type App struct {
	Config       *config.Config
	Log          hclog.Logger
	DB           *store.DB
	Transport    *transport.MattermostTransport
	LLM          llm.Client
	Personas     *persona.Store
	Memories     *memory.Store
	Board        board.Provider
	Discussions  *discussion.Store
	Engine       *discussion.Engine
	Replies      *reply.Handler
	Jobs         *job.Spawner
	Projects     *project.Registry
	Router       *router.Router
	Proactive    *proactive.Loop
	HTTPServer   *httpapi.Server
	State        *state.Manager
}

// Build constructs an App from cfg. Every component is built before it is
// handed to the next, mirroring the teacher's OnActivate ordering:
// storage first, then external clients, then the orchestration layer.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.New("nightwatch", cfg.Debug)

	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, "nightwatch.db"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	sealer, err := persona.NewSealer(cfg.PersonaSecretKey)
	if err != nil {
		return nil, err
	}
	personas, err := persona.NewStore(ctx, db, sealer)
	if err != nil {
		return nil, err
	}
	if err := persona.EnsureSeeded(ctx, db, personas); err != nil {
		return nil, err
	}

	memories, err := memory.NewStore(ctx, db, log.Named("memory"))
	if err != nil {
		return nil, err
	}

	mmTransport, err := transport.NewMattermostTransport(ctx, cfg.MattermostURL, cfg.MattermostToken, log.Named("transport"))
	if err != nil {
		return nil, err
	}

	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, llm.WithLogger(log.Named("llm")))

	jobs, err := job.NewSpawner(log.Named("job"), mmTransport, cfg.SelfExecutable)
	if err != nil {
		return nil, err
	}

	var boardProvider board.Provider
	if cfg.GitHubToken != "" && cfg.GitHubRepo != "" {
		boardProvider = board.NewGitHubBoard(cfg.GitHubToken, cfg.GitHubProjectID, cfg.SelfExecutable, cfg.UseGHCLIFallback, log.Named("board"))
	}

	discussionStore := discussion.NewStore(db)
	mgr := state.NewManager()
	projects := project.NewRegistry(db)

	engine := discussion.NewEngine(log.Named("discussion"), mmTransport, llmClient, personas, memories, boardProvider, jobs, discussionStore, mgr)
	replies := reply.NewHandler(log.Named("reply"), engine, personas, mgr)

	rt := router.New(log.Named("router"), mgr, engine, replies, jobs, discussionStore, personas, projects, boardProvider, mmTransport, cfg.BotUserID)

	proactiveLoop := proactive.NewLoop(log.Named("proactive"), cfg.SweepInterval(), mmTransport, engine, personas, boardProvider, mgr, db, cfg.AuditEnabled)

	var httpServer *httpapi.Server
	if cfg.HTTPListenAddr != "" {
		httpServer = httpapi.New(log.Named("httpapi"), cfg.GitHubWebhookSecret, engine)
	}

	return &App{
		Config: cfg, Log: log, DB: db, Transport: mmTransport, LLM: llmClient,
		Personas: personas, Memories: memories, Board: boardProvider,
		Discussions: discussionStore, Engine: engine, Replies: replies, Jobs: jobs,
		Projects: projects, Router: rt, Proactive: proactiveLoop, HTTPServer: httpServer, State: mgr,
	}, nil
}
