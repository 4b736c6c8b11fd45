package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jimiagent/jimi/internal/application/usecase"
	domainapproval "github.com/jimiagent/jimi/internal/domain/approval"
	domaincontext "github.com/jimiagent/jimi/internal/domain/context"
	"github.com/jimiagent/jimi/internal/domain/entity"
	"github.com/jimiagent/jimi/internal/domain/repository"
	"github.com/jimiagent/jimi/internal/domain/service"
	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/domain/valueobject"
	"github.com/jimiagent/jimi/internal/infrastructure/agentspec"
	"github.com/jimiagent/jimi/internal/infrastructure/config"
	"github.com/jimiagent/jimi/internal/infrastructure/eventbus"
	"github.com/jimiagent/jimi/internal/infrastructure/llm"
	_ "github.com/jimiagent/jimi/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/jimiagent/jimi/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/jimiagent/jimi/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/jimiagent/jimi/internal/infrastructure/monitoring"
	"github.com/jimiagent/jimi/internal/infrastructure/persistence"
	"github.com/jimiagent/jimi/internal/infrastructure/prompt"
	"github.com/jimiagent/jimi/internal/infrastructure/sandbox"
	"github.com/jimiagent/jimi/internal/infrastructure/session"
	toolpkg "github.com/jimiagent/jimi/internal/infrastructure/tool"
	"github.com/jimiagent/jimi/internal/interfaces/agentgrpc"
	httpServer "github.com/jimiagent/jimi/internal/interfaces/http"
	wsinterface "github.com/jimiagent/jimi/internal/interfaces/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the composition root wiring every layer together.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	agentRepo   repository.AgentRepository
	messageRepo repository.MessageRepository

	agentSelector service.AgentSelector
	messageRouter service.MessageRouter

	// legacy HTTP/gRPC path — drives app.agentLoop directly
	processMessageUseCase *usecase.ProcessMessageUseCase

	toolRegistry domaintool.Registry
	toolExecutor *toolpkg.Executor
	llmRouter    *llm.Router
	mcpManager   *toolpkg.MCPManager
	agentLoop    *service.AgentLoop
	securityHook *service.SecurityHook
	monitor      *monitoring.Monitor
	tracer       *monitoring.Tracer
	grpcAgentSrv *agentgrpc.Server
	httpServer   *httpServer.Server
	wsHub        *wsinterface.Hub
	wsCancel     context.CancelFunc

	// Step Engine (spec.md §4.7) composition: Context Store + Wire + Approval
	// Arbiter wrapped around the same agentLoop instance the legacy path uses.
	sessionManager *session.Manager
	contextStore   *domaincontext.Store
	wire           eventbus.Wire
	arbiter        *domainapproval.Arbiter
	agentSpec      *agentspec.Spec
	stepEngine     *service.StepEngine

	promptEngine *prompt.PromptEngine
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.ngoclaw/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// 初始化各层组件
	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	// 初始化默认数据
	if err := app.seedData(); err != nil {
		return nil, fmt.Errorf("failed to seed data: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for CLI mode.
// Only initializes: DB (silent), Tools, LLM Router, AgentLoop, PromptEngine.
// Skips: HTTP server, Telegram, gRPC, seed data.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// DB with silent logging (no SQL spam)
	if err := app.initRepositoriesSilent(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	// No initInterfaces (HTTP/TG/gRPC) — CLI doesn't need servers
	// No seedData — avoid noisy DB writes on every CLI launch
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	// 连接数据库
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	// 初始化 GORM 仓储
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)

	return nil
}

// initRepositoriesSilent initializes repos with silent DB logging (for CLI mode)
func (app *App) initRepositoriesSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	// 代理选择器
	app.agentSelector = service.NewDefaultAgentSelector(app.agentRepo)

	// 消息路由器
	app.messageRouter = service.NewDefaultMessageRouter(app.agentSelector)

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// Tool Registry + Executor
	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".ngoclaw", "skills")

	// Workspace-level skills (project-specific overrides)
	workspaceDir := app.config.Agent.Workspace
	skillsDirs := []string{systemSkillsDir}
	if workspaceDir != "" {
		wsSkillsDir := filepath.Join(workspaceDir, ".ngoclaw", "skills")
		skillsDirs = append(skillsDirs, wsSkillsDir)
	}

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	// Executor (只负责执行，不再负责注册)
	app.toolExecutor = toolpkg.NewExecutor(
		app.toolRegistry,
		&domaintool.Policy{Profile: "full"},
		sbx, nil, app.logger,
	)

	// LLM Router (modular provider factory with failover)
	// NOTE: must be initialized BEFORE RegisterAllTools because sub_agent depends on it.
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM Router initialized",
		zap.Int("providers", len(app.config.Agent.Providers)),
	)

	// MCP Manager (hot-pluggable, reads ~/.ngoclaw/mcp.json)
	homeDir, _ = os.UserHomeDir()
	mcpConfigPath := filepath.Join(homeDir, ".ngoclaw", "mcp.json")
	app.mcpManager = toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	// Session Manager (spec.md §4.10) resolves the session for this workspace
	// and gives the Context Store its durable history path, rather than an
	// ad hoc one.
	workDir := app.config.Agent.Workspace
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}
	app.sessionManager = session.NewManager(session.DefaultMetadataPath(), app.logger)
	sess, ok, err := app.sessionManager.ContinueSession(workDir)
	if err != nil {
		app.logger.Warn("continue session failed, starting fresh", zap.Error(err))
	}
	if !ok {
		sess, err = app.sessionManager.CreateSession(workDir)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}
	app.contextStore, err = domaincontext.Restore(sess.HistoryPath, app.logger)
	if err != nil {
		return fmt.Errorf("failed to restore context store: %w", err)
	}
	app.logger.Info("Session resolved", zap.String("session_id", sess.ID), zap.String("history", sess.HistoryPath))

	// Wire (spec.md §4.4): in-memory pub/sub backbone for engine events.
	app.wire = eventbus.NewInMemoryWire(app.logger)

	// Agent Loader (spec.md §4.6): load a workspace agent spec if one exists,
	// else run with an unnamed root spec and no sub-agents configured.
	app.agentSpec = &agentspec.Spec{Name: "default", Subagents: map[string]*agentspec.Spec{}}
	if workDir != "" {
		specPath := filepath.Join(workDir, ".jimi", "agent.yaml")
		if _, statErr := os.Stat(specPath); statErr == nil {
			if loaded, loadErr := agentspec.Load(specPath); loadErr == nil {
				app.agentSpec = loaded
			} else {
				app.logger.Warn("agent spec load failed, using default spec", zap.String("path", specPath), zap.Error(loadErr))
			}
		}
	}

	// ── Unified Tool Registration (single entry point) ──
	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 25
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:   app.toolRegistry,
		Sandbox:    sbx,
		SkillExec:  nil,
		PythonEnv:  app.config.PythonEnv,
		SkillsDir:  systemSkillsDir,
		Workspace:  app.config.Agent.Workspace,
		MCPManager: app.mcpManager,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			Spec:         app.agentSpec,
			ParentStore:  app.contextStore,
			ParentWire:   app.wire,
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})

	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// ProcessMessageUseCase (legacy HTTP path — uses llmRouter directly)
	app.processMessageUseCase = usecase.NewProcessMessageUseCase(
		app.messageRepo,
		app.messageRouter,
		app.llmRouter,
		app.logger,
	)

	// Agent Loop (ReAct Engine) — uses LLM Router + Tool Bridge
	loopTools := &toolBridge{registry: app.toolRegistry}


	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel

	// Bridge per-model policy overrides from config.yaml
	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			override := &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
			loopCfg.ModelPolicies[key] = override
		}
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.LoopDetectThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.LoopNameThreshold > 0 {
		loopCfg.LoopNameThreshold = app.config.Agent.Guardrails.LoopNameThreshold
	}

	// Retry config from config.yaml
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}

	// Compaction config from config.yaml
	if app.config.Agent.Compaction.MessageThreshold > 0 {
		loopCfg.CompactThreshold = app.config.Agent.Compaction.MessageThreshold
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}


	app.agentLoop = service.NewAgentLoop(
		app.llmRouter,
		loopTools,
		loopCfg,
		app.logger,
	)
	app.logger.Info("Agent Loop initialized",
		zap.String("model", loopCfg.Model),
	)

	// Create SecurityHook and attach to agent loop (legacy HTTP/gRPC path).
	app.securityHook = service.NewSecurityHook(
		app.config.Agent.Security,
		nil,
		app.logger,
	)

	// Prometheus metrics + OTel tracing (SPEC_FULL.md's ambient observability
	// stack), chained after the security hook so both observe every step.
	app.monitor = monitoring.NewMonitor(app.logger)
	app.tracer = monitoring.NewTracer("jimi", app.logger)
	metricsHook := monitoring.NewMetricsHook(app.monitor, app.tracer)
	app.agentLoop.SetHooks(service.NewHookChain(app.securityHook, metricsHook))

	// Approval Arbiter (spec.md §4.3) + Step Engine (spec.md §4.7): the
	// engine the spec actually names, wrapping the same AgentLoop instance
	// the legacy HTTP/gRPC path uses with a Context Store, a Wire and an
	// arbiter. "auto" approval mode means yolo: every tool call auto-approves.
	yolo := app.config.Agent.Security.ApprovalMode == "auto"
	notifier := eventbus.NewWireApprovalNotifier(app.wire)
	app.arbiter = domainapproval.NewArbiter(yolo, notifier, app.logger)
	app.stepEngine = service.NewStepEngine(app.agentLoop, app.contextStore, app.wire, app.arbiter, app.logger)
	app.stepEngine.SetCompactor(usecase.NewCompactor(app.logger))

	// Middleware pipeline (data-transformation hooks around LLM calls)
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(
		service.NewDanglingToolCallMiddleware(app.logger),
		// NOTE: MemoryMiddleware intentionally removed.
		// It produced low-quality, unfiltered facts (201 entries in memory.json)
		// that polluted the system prompt and caused context poisoning.
		// Future: agent writes memory via file tools (OpenClaw pattern).
	)
	app.agentLoop.SetMiddleware(mwPipeline)
	app.logger.Info("Middleware pipeline configured",
		zap.Int("middlewares", mwPipeline.Len()),
	)

	return nil
}

// initInterfaces wires the legacy HTTP/gRPC transports onto app.agentLoop.
// The Step Engine itself is exposed to the REPL via the StepEngine accessor,
// not wired into an HTTP/gRPC transport this pass — see DESIGN.md.
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	loopToolsBridge := &toolBridge{registry: app.toolRegistry}
	app.wsHub = wsinterface.NewHub(app.wire, app.logger)
	wsHandler := wsinterface.NewHandler(app.wsHub, app.logger)
	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		app.processMessageUseCase,
		app.agentLoop,
		loopToolsBridge,
		app.promptEngine,
		app.monitor,
		wsHandler,
		app.logger,
	)

	// gRPC Agent Server (for VS Code Extension / SDK)
	grpcPort := app.config.Agent.GRPCPort
	if grpcPort == 0 {
		grpcPort = 50052
	}
	loopTools := &toolBridge{registry: app.toolRegistry}
	app.grpcAgentSrv = agentgrpc.NewServer(app.agentLoop, loopTools, grpcPort, app.logger)
	app.logger.Info("gRPC agent server created", zap.Int("port", grpcPort))

	return nil
}



// seedData 初始化默认数据
func (app *App) seedData() error {
	app.logger.Info("Seeding default data")

	ctx := context.Background()

	// 创建默认代理
	defaultAgent, err := entity.NewAgent(
		"default",
		"默认助手",
		valueobject.DefaultModelConfig(),
	)
	if err != nil {
		return fmt.Errorf("failed to create default agent: %w", err)
	}

	// 保存默认代理
	if err := app.agentRepo.Save(ctx, defaultAgent); err != nil {
		return fmt.Errorf("failed to save default agent: %w", err)
	}

	app.logger.Info("Default agent created",
		zap.String("id", defaultAgent.ID()),
		zap.String("name", defaultAgent.Name()),
	)

	return nil
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	if app.wsHub != nil {
		var wsCtx context.Context
		wsCtx, app.wsCancel = context.WithCancel(context.Background())
		go app.wsHub.Run(wsCtx)
	}

	// 启动HTTP服务器
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 启动 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		if err := app.grpcAgentSrv.Start(); err != nil {
			app.logger.Warn("gRPC agent server failed to start", zap.Error(err))
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.wsCancel != nil {
		app.wsCancel()
	}

	// 停止 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		app.grpcAgentSrv.Stop()
	}

	// 停止HTTP服务器
	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if app.wire != nil {
		app.wire.Close()
	}
	if app.contextStore != nil {
		if err := app.contextStore.Close(); err != nil {
			app.logger.Error("Failed to close context store", zap.Error(err))
		}
	}

	// 关闭数据库连接
	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// ProcessMessageUseCase returns the legacy message processing usecase (the
// REPL drives the Step Engine instead)
func (app *App) ProcessMessageUseCase() *usecase.ProcessMessageUseCase {
	return app.processMessageUseCase
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// Config returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the agent loop instance (used by CLI/TUI)
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// PromptEngine returns the prompt engine (used by CLI/TUI)
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// Monitor returns the Prometheus-backed metrics collector.
func (app *App) Monitor() *monitoring.Monitor {
	return app.monitor
}

// ToolRegistry returns the tool registry (used by CLI/TUI)
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// StepEngine returns the Step Engine (spec.md §4.7) — the Context
// Store/Wire/Approval-Arbiter-wrapped execution engine, used by the REPL.
func (app *App) StepEngine() *service.StepEngine {
	return app.stepEngine
}

// Wire returns the engine's event bus (used by the REPL to observe
// approval requests and stream engine events).
func (app *App) Wire() eventbus.Wire {
	return app.wire
}
