package agentdesk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/billing"
	"github.com/ghiac/agentdesk/cache"
	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/conversation"
	"github.com/ghiac/agentdesk/engine"
	"github.com/ghiac/agentdesk/llm"
	"github.com/ghiac/agentdesk/lock"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/metrics"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
	"github.com/ghiac/agentdesk/toolcall"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Agentdesk is the main entry point for the library.
// It owns the stores, the lock service, the context cache and the dispatcher.
type Agentdesk struct {
	config *config.Config

	store         store.Store
	redis         redis.UniversalClient
	conversations *conversation.Manager
	registry      *toolcall.Registry
	functions     *toolcall.FunctionRegistry
	dispatcher    *engine.Dispatcher

	metrics   *metrics.Metrics
	promReg   *prometheus.Registry
	ownsStore bool
	ownsRedis bool
	closeOnce sync.Once
	sweeper   *conversation.Sweeper
	sweeperMu sync.RWMutex
}

// Options overrides parts of the wiring New would otherwise build from config
type Options struct {
	// Store replaces the configured durable store. It is not closed by Close.
	Store store.Store

	// Redis replaces the client built from config. It is not closed by Close.
	Redis redis.UniversalClient

	// Completer replaces the OpenAI client
	Completer llm.Completer

	// Catalog replaces the catalog file
	Catalog *config.Catalog

	// Phrases replaces the phrase file and built-in tables
	Phrases *config.Phrases

	// Functions provides in-process tool implementations
	Functions *toolcall.FunctionRegistry
}

// New wires an Agentdesk from configuration
func New(cfg *config.Config, opts *Options) (*Agentdesk, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	ad := &Agentdesk{config: cfg}
	ok := false
	defer func() {
		if !ok {
			ad.Close()
		}
	}()

	phrases, err := loadPhrases(cfg, opts)
	if err != nil {
		return nil, err
	}
	catalog := opts.Catalog
	if catalog == nil {
		if catalog, err = config.LoadCatalog(cfg.CatalogPath); err != nil {
			return nil, err
		}
	}

	ad.promReg = prometheus.NewRegistry()
	ad.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ad.metrics = metrics.New(ad.promReg)

	if err := ad.openStore(opts); err != nil {
		return nil, err
	}
	ad.openRedis(opts)

	contextCache := ad.newContextCache()
	ad.conversations = conversation.NewManager(ad.store, contextCache, phrases, conversation.ManagerConfig{
		InactivityThreshold: cfg.Lifecycle.InactivityThreshold,
		CacheTTL:            cfg.Cache.TTL,
		SystemPrompt:        cfg.Lifecycle.SystemPrompt,
		SweepConcurrency:    cfg.Lifecycle.SweepConcurrency,
	}, ad.metrics)

	if ad.registry, err = toolcall.NewRegistryFromCatalog(catalog); err != nil {
		return nil, fmt.Errorf("failed to load catalog tools: %w", err)
	}
	ad.functions = opts.Functions
	if ad.functions == nil {
		ad.functions = toolcall.NewFunctionRegistry()
	}

	plans, err := billing.NewCatalogPlans(catalog, cfg.DefaultPlan)
	if err != nil {
		return nil, err
	}

	completer := opts.Completer
	if completer == nil {
		completer = newCompleter(cfg.LLM)
	}

	dispatcherConfig := engine.DefaultConfig()
	dispatcherConfig.NativeTools = cfg.LLM.NativeTools
	dispatcherConfig.MaxAdaptiveRounds = cfg.LLM.MaxAdaptiveRounds
	dispatcherConfig.LockTTL = cfg.Lock.DefaultTTL

	ad.dispatcher, err = engine.NewDispatcher(engine.Dependencies{
		Conversations: ad.conversations,
		Plans:         plans,
		Ledger:        billing.NewLedger(ad.store),
		Tools:         ad.registry,
		Executor:      toolcall.NewRouter(toolcall.NewWebhookExecutor(cfg.Tools.WebhookTimeout), ad.functions),
		Locker:        ad.newLocker(),
		Completer:     completer,
		ToolCalls:     ad.store,
		Metrics:       ad.metrics,
	}, dispatcherConfig)
	if err != nil {
		return nil, err
	}

	log.Log.Infof("[Agentdesk] ✅ Initialized | Store: %s | Lock: %s | Cache: %s | Clients: %d | NativeTools: %t",
		cfg.Store.Backend, cfg.Lock.Backend, cfg.Cache.Backend, len(ad.registry.Clients()), cfg.LLM.NativeTools)
	ok = true
	return ad, nil
}

func loadPhrases(cfg *config.Config, opts *Options) (config.Phrases, error) {
	if opts.Phrases != nil {
		return *opts.Phrases, nil
	}
	return config.LoadPhrases(cfg.PhrasesPath)
}

func (ad *Agentdesk) openStore(opts *Options) error {
	if opts.Store != nil {
		ad.store = opts.Store
		return nil
	}

	var err error
	switch ad.config.Store.Backend {
	case "memory":
		ad.store = store.NewMemoryStore()
	case "sqlite":
		ad.store, err = store.NewSQLiteStore(ad.config.Store.SQLitePath)
	case "mongodb":
		ad.store, err = store.NewMongoDBStore(store.MongoDBStoreConfig{
			URI:      ad.config.Store.MongoURI,
			Database: ad.config.Store.MongoDatabase,
		})
	default:
		err = fmt.Errorf("unsupported store backend: %q", ad.config.Store.Backend)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", ad.config.Store.Backend, err)
	}
	ad.ownsStore = true
	return nil
}

// openRedis connects when a Redis-backed component is configured. An
// unreachable server is not fatal: the cache degrades to rebuilds and the
// lock service fails closed until it comes back.
func (ad *Agentdesk) openRedis(opts *Options) {
	if opts.Redis != nil {
		ad.redis = opts.Redis
		return
	}
	if ad.config.Lock.Backend != "redis" && ad.config.Cache.Backend != "redis" {
		return
	}

	rc := ad.config.Redis
	ad.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	ad.ownsRedis = true

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ad.redis.Ping(ctx).Err(); err != nil {
		log.Log.Warnf("[Agentdesk] ⚠️  Redis at %s is not reachable yet: %v", rc.Addr, err)
	}
}

func (ad *Agentdesk) newContextCache() cache.ContextCache {
	if ad.config.Cache.Backend == "redis" && ad.redis != nil {
		return cache.NewRedisCache(ad.redis,
			cache.WithTTL(ad.config.Cache.TTL),
			cache.WithPrefix(ad.config.Redis.Prefix))
	}
	return cache.NewMemoryCache(ad.config.Cache.TTL)
}

func (ad *Agentdesk) newLocker() lock.Locker {
	opts := []lock.Option{
		lock.WithDefaultTTL(ad.config.Lock.DefaultTTL),
		lock.WithMaxTTL(ad.config.Lock.MaxTTL),
	}
	if ad.config.Lock.Backend == "redis" && ad.redis != nil {
		return lock.NewRedisLocker(ad.redis, append(opts, lock.WithPrefix(ad.config.Redis.Prefix))...)
	}
	return lock.NewMemoryLocker(opts...)
}

// newCompleter builds the OpenAI client, wrapped with the backup endpoint when one is configured
func newCompleter(cfg config.LLMConfig) llm.Completer {
	primary := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		NativeTools: cfg.NativeTools,
	})
	if cfg.Backup.BaseURL == "" {
		return primary
	}

	backupModel := cfg.Backup.Model
	if backupModel == "" {
		backupModel = cfg.Model
	}
	backup := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:      cfg.Backup.APIKey,
		BaseURL:     cfg.Backup.BaseURL,
		Model:       backupModel,
		Timeout:     cfg.Timeout,
		NativeTools: cfg.NativeTools,
	})
	log.Log.Infof("[Agentdesk] 🛟 Backup LLM configured | Model: %s | Cooldown: %v", backupModel, cfg.BackupCooldown)
	return llm.NewFallbackCompleter(primary, cfg.BackupCooldown, llm.Backup{Name: "backup", Completer: backup})
}

// HandleMessage runs one conversational turn
func (ad *Agentdesk) HandleMessage(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error) {
	return ad.dispatcher.HandleMessage(ctx, req)
}

// EndConversation ends a conversation on request. Ending an ended conversation reports false.
func (ad *Agentdesk) EndConversation(ctx context.Context, conversationID string) (bool, error) {
	return ad.conversations.EndConversation(ctx, conversationID, model.EndReasonExplicit)
}

// History returns the stored messages of a conversation
func (ad *Agentdesk) History(ctx context.Context, conversationID string) ([]*model.Message, error) {
	return ad.conversations.History(ctx, conversationID)
}

// ToolCalls returns the tool call audit records of a conversation
func (ad *Agentdesk) ToolCalls(ctx context.Context, conversationID string) ([]*model.ToolCallRecord, error) {
	if _, err := ad.store.Get(ctx, conversationID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.E(model.KindNotFound, "agentdesk.tool_calls", fmt.Errorf("conversation %s: %w", conversationID, err))
		}
		return nil, model.E(model.KindTransientIO, "agentdesk.tool_calls", err)
	}
	records, err := ad.store.ListToolCalls(ctx, conversationID)
	if err != nil {
		return nil, model.E(model.KindTransientIO, "agentdesk.tool_calls", err)
	}
	return records, nil
}

// RegisterTool adds a tool for a client at runtime
func (ad *Agentdesk) RegisterTool(clientID string, tool model.Tool) error {
	return ad.registry.Register(clientID, tool)
}

// RegisterFunction provides the in-process implementation of a tool without a webhook
func (ad *Agentdesk) RegisterFunction(toolName string, fn toolcall.ToolFunction) error {
	return ad.functions.Register(toolName, fn)
}

// CheckTools logs and returns the active tools nothing can execute
func (ad *Agentdesk) CheckTools() []string {
	missing := ad.registry.MissingExecutors(ad.functions)
	for _, name := range missing {
		log.Log.Warnf("[Agentdesk] ⚠️  Tool %s has no webhook and no registered function", name)
	}
	return missing
}

// GetRegistry returns the tool registry
func (ad *Agentdesk) GetRegistry() *toolcall.Registry {
	return ad.registry
}

// GetConversations returns the lifecycle manager
func (ad *Agentdesk) GetConversations() *conversation.Manager {
	return ad.conversations
}

// GetDispatcher returns the internal dispatcher
func (ad *Agentdesk) GetDispatcher() *engine.Dispatcher {
	return ad.dispatcher
}

// GetMetrics returns the collectors the service records to
func (ad *Agentdesk) GetMetrics() *metrics.Metrics {
	return ad.metrics
}

// Gatherer exposes the Prometheus registry for scraping
func (ad *Agentdesk) Gatherer() prometheus.Gatherer {
	return ad.promReg
}

// Ping checks the durable store and, when configured, Redis
func (ad *Agentdesk) Ping(ctx context.Context) map[string]string {
	status := map[string]string{"store": "ok"}
	if _, err := ad.store.Get(ctx, "__ping__"); err != nil && !errors.Is(err, model.ErrNotFound) {
		status["store"] = err.Error()
	}
	if ad.redis != nil {
		status["redis"] = "ok"
		if err := ad.redis.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
		}
	}
	return status
}

// Close stops the sweeper and releases the connections New opened
func (ad *Agentdesk) Close() error {
	var errs []error
	ad.closeOnce.Do(func() {
		ad.StopSweeper()
		if ad.ownsStore && ad.store != nil {
			errs = append(errs, ad.store.Close())
		}
		if ad.ownsRedis && ad.redis != nil {
			errs = append(errs, ad.redis.Close())
		}
	})
	return errors.Join(errs...)
}

// Version returns the current version of the library
func Version() string {
	return "0.2.0"
}
