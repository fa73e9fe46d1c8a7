package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/api/handlers"
	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/internal/attachment"
	"github.com/BaSui01/imageflow/internal/buffer"
	"github.com/BaSui01/imageflow/internal/cache"
	"github.com/BaSui01/imageflow/internal/database"
	"github.com/BaSui01/imageflow/internal/ledger"
	"github.com/BaSui01/imageflow/internal/metrics"
	"github.com/BaSui01/imageflow/internal/permission"
	"github.com/BaSui01/imageflow/internal/server"
	"github.com/BaSui01/imageflow/internal/settings"
	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/llm/image/catalog"
	"github.com/BaSui01/imageflow/llm/image/normalize"
	"github.com/BaSui01/imageflow/studio"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ImageFlow 的主服务器，持有全部组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	collector *metrics.Collector
	pool      *database.PoolManager
	cache     *cache.Manager
	blobs     attachment.BlobStore
	studio    *studio.Service
	settings  *settings.Store
	health    *handlers.HealthHandler

	handler http.Handler
	servers server.Group

	// 后台 goroutine（限流清理、连接池指标）
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption 调整组件构造，主要供测试注入
type ServerOption func(*Server)

// WithCollector 使用给定的指标收集器（默认注册表不允许重复注册）
func WithCollector(c *metrics.Collector) ServerOption {
	return func(s *Server) { s.collector = c }
}

// WithBlobStore 替换二进制存储后端
func WithBlobStore(b attachment.BlobStore) ServerOption {
	return func(s *Server) { s.blobs = b }
}

// NewServer 按配置组装全部组件。失败时已打开的资源会被释放。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (_ *Server, err error) {
	s := &Server{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.collector == nil {
		s.collector = metrics.NewCollector("imageflow", logger)
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer func() {
		if err != nil {
			s.Shutdown()
		}
	}()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initStudio(); err != nil {
		return nil, err
	}
	s.handler = s.routes(bgCtx)

	s.wg.Add(1)
	go s.reportPoolStats(bgCtx)

	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 打开数据库、Redis 与二进制存储
func (s *Server) initStorage(ctx context.Context) error {
	pool, err := openDatabase(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.pool = pool
	if s.cfg.Database.AutoMigrate {
		if err := pool.AutoMigrate(ctx, schemaModels()...); err != nil {
			return err
		}
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = s.cfg.Redis.Addr
	cacheCfg.Password = s.cfg.Redis.Password
	cacheCfg.DB = s.cfg.Redis.DB
	cacheCfg.TLS = s.cfg.Redis.TLS
	cacheCfg.KeyPrefix = s.cfg.Redis.KeyPrefix
	if s.cfg.Redis.PoolSize > 0 {
		cacheCfg.PoolSize = s.cfg.Redis.PoolSize
	}
	if s.cfg.Redis.MinIdleConns > 0 {
		cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
	}
	s.cache, err = cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		return err
	}

	if s.blobs == nil {
		s.blobs, err = newBlobStore(ctx, s.cfg.Storage, s.logger)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
	}
	return nil
}

// newBlobStore 按 storage.backend 选择本地目录或 S3
func newBlobStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (attachment.BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return attachment.NewS3BlobStore(ctx, attachment.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Prefix:          cfg.S3.Prefix,
		}, logger)
	case "local", "":
		return attachment.NewLocalBlobStore(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// adapterConfig 把配置段映射为适配器配置，零值由适配器默认值补齐
func adapterConfig(p config.ProviderConfig) image.AdapterConfig {
	return image.AdapterConfig{
		BaseURL:      p.BaseURL,
		Timeout:      p.Timeout,
		PollAttempts: p.PollAttempts,
		PollInterval: p.PollInterval,
	}
}

// credentialOverrides 收集部署级凭据（配置或 IMAGEFLOW_PROVIDERS_*_API_KEY）
func credentialOverrides(p config.ProvidersConfig) map[image.Provider]string {
	return map[image.Provider]string{
		image.ProviderOpenAI: p.OpenAI.APIKey,
		image.ProviderGemini: p.Gemini.APIKey,
		image.ProviderFlux:   p.Flux.APIKey,
	}
}

// catalogExtension 把配置中的追加模型转换为目录扩展
func catalogExtension(c config.CatalogConfig) catalog.Extension {
	byProvider := func(in map[string][]string) map[image.Provider][]string {
		if len(in) == 0 {
			return nil
		}
		out := make(map[image.Provider][]string, len(in))
		for name, ids := range in {
			out[image.Provider(name)] = ids
		}
		return out
	}
	ext := catalog.Extension{
		MultiReference:   byProvider(c.MultiReference),
		CustomResolution: byProvider(c.CustomResolution),
		Models:           map[image.Purpose]map[image.Provider][]string{},
	}
	if m := byProvider(c.Generate); m != nil {
		ext.Models[image.PurposeGenerate] = m
	}
	if m := byProvider(c.Edit); m != nil {
		ext.Models[image.PurposeEdit] = m
	}
	return ext
}

// processCatalog 返回本进程使用的目录。配置了追加模型时在首次使用前替换进程级目录。
func (s *Server) processCatalog() *catalog.Catalog {
	extra := s.cfg.Studio.ExtraModels
	if extra.IsZero() {
		return catalog.Default()
	}
	cat := catalog.NewCatalog(catalog.WithExtension(catalogExtension(extra)))
	if !catalog.SetDefault(cat) {
		s.logger.Warn("process catalog already in use, extra models apply to this server only")
	}
	return cat
}

// initStudio 组装适配器、规范化器、缓冲区、历史与编排服务
func (s *Server) initStudio() error {
	db := s.pool.DB()

	attachments := attachment.NewStore(db, s.blobs, s.cfg.Storage.PublicBaseURL, s.logger)
	s.settings = settings.NewStore(db, credentialOverrides(s.cfg.Providers), s.logger)

	cat := s.processCatalog()
	deps := image.Deps{
		Catalog:     cat,
		Credentials: s.settings,
		Logger:      s.logger,
		Metrics:     s.collector,
	}
	registry := image.NewRegistry(
		image.NewOpenAIAdapter(adapterConfig(s.cfg.Providers.OpenAI), deps),
		image.NewGeminiAdapter(adapterConfig(s.cfg.Providers.Gemini), deps),
		image.NewFluxAdapter(adapterConfig(s.cfg.Providers.Flux), deps),
	)

	bg, err := normalize.ParseBackground(s.cfg.Imaging.Background)
	if err != nil {
		return err
	}
	normalizer := normalize.New(normalize.Config{
		MaxBytes:    s.cfg.Imaging.MaxBytes,
		MaxPixels:   s.cfg.Imaging.MaxPixels,
		Background:  bg,
		JPEGQuality: s.cfg.Imaging.JPEGQuality,
	}, s.logger, s.collector)

	history := ledger.New(db, ledger.Config{
		Enabled:         s.cfg.Studio.HistoryEnabled,
		Limit:           s.cfg.Studio.HistoryLimit,
		PromptMaxLength: s.cfg.Studio.PromptMaxLength,
	}, s.logger, s.collector)

	s.studio, err = studio.New(studio.Options{
		Registry:    registry,
		Catalog:     cat,
		ModelCache: catalog.NewModelCache(s.cfg.Studio.ModelCacheSize, s.cfg.Studio.ModelCacheTTL, s.collector).
			WithLoadTimeout(max(s.cfg.Providers.OpenAI.Timeout, s.cfg.Providers.Gemini.Timeout)),
		Normalizer:  normalizer,
		Attachments: attachments,
		Buffers:     buffer.NewStore(s.cache, s.cfg.Studio.BufferTTL, s.logger, s.collector),
		History:     history,
		Gate:        permission.NewRoleGate(attachments, s.logger),
		Credentials: s.settings,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}

	s.health = handlers.NewHealthHandler(s.logger)
	s.health.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	s.health.RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))

	s.logger.Info("studio initialized",
		zap.Strings("providers", providerNames(registry.Providers())),
		zap.Bool("history_enabled", history.Enabled()),
		zap.String("storage", s.cfg.Storage.Backend),
	)
	return nil
}

func providerNames(ps []image.Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// =============================================================================
// 🌐 路由与中间件
// =============================================================================

// publicPaths 不需要认证的路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealth)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /readyz", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	studioH := handlers.NewStudioHandler(s.studio, s.cfg.Server.MaxBodyBytes, s.logger)
	mux.HandleFunc("POST /api/v1/images/generate", studioH.HandleGenerate)
	mux.HandleFunc("POST /api/v1/images/edit", studioH.HandleEdit)
	mux.HandleFunc("GET /api/v1/models", studioH.HandleListModels)
	mux.HandleFunc("POST /api/v1/models/invalidate", studioH.HandleInvalidateModels)
	mux.HandleFunc("GET /api/v1/buffers/{token}", studioH.HandleGetBuffer)
	mux.HandleFunc("GET /api/v1/buffers/{token}/content", studioH.HandleBufferContent)
	mux.HandleFunc("POST /api/v1/buffers/{token}/commit", studioH.HandleCommitBuffer)
	mux.HandleFunc("DELETE /api/v1/buffers/{token}", studioH.HandleDiscardBuffer)
	mux.HandleFunc("GET /api/v1/attachments/{id}/history", studioH.HandleHistory)
	mux.HandleFunc("GET /api/v1/attachments/{id}/metadata", studioH.HandleMetadata)

	settingsH := handlers.NewSettingsHandler(s.settings, s.studio.InvalidateModels, s.logger)
	mux.HandleFunc("GET /api/v1/settings/providers", settingsH.HandleStatus)
	mux.HandleFunc("PUT /api/v1/settings/providers/{provider}/credential", settingsH.HandleSetCredential)
	mux.HandleFunc("DELETE /api/v1/settings/providers/{provider}/credential", settingsH.HandleDeleteCredential)

	// 本地后端直接提供已保存的图像
	if local, ok := s.blobs.(*attachment.LocalBlobStore); ok && isLocalURL(s.cfg.Storage.PublicBaseURL) {
		prefix := s.cfg.Storage.PublicBaseURL + "/"
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(local.Root()))))
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		s.auth(),
	)
}

// auth 配置了 JWT 密钥时使用 JWT，否则 API Key + 默认身份
func (s *Server) auth() Middleware {
	if s.cfg.Auth.JWT.Enabled() {
		return JWTAuth(s.cfg.Auth.JWT, publicPaths, s.logger)
	}
	apiKey := APIKeyAuth(s.cfg.Server.APIKeys, publicPaths, s.cfg.Server.AllowQueryAPIKey, s.logger)
	identity := StaticIdentity(s.cfg.Auth.DefaultUser, s.cfg.Auth.DefaultRoles)
	return func(next http.Handler) http.Handler {
		return apiKey(identity(next))
	}
}

func isLocalURL(u string) bool {
	return len(u) > 1 && u[0] == '/' && u[len(u)-1] != '/'
}

// Handler 返回完整的 HTTP 处理链
func (s *Server) Handler() http.Handler { return s.handler }

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 启动 API 与 metrics 两个监听（非阻塞）
func (s *Server) Start() error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	base := server.Config{
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	apiCfg, metricsCfg := base, base
	apiCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	metricsCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)

	s.servers = server.Group{
		server.NewManager("api", s.handler, apiCfg, s.logger),
		server.NewManager("metrics", metricsMux, metricsCfg, s.logger),
	}
	if err := s.servers.Start(); err != nil {
		return err
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// Wait 阻塞直到收到信号（ctx 取消）或任一监听失败
func (s *Server) Wait(ctx context.Context) error {
	return s.servers.Wait(ctx)
}

// reportPoolStats 周期性上报连接池指标
func (s *Server) reportPoolStats(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.pool.Stats()
			s.collector.RecordDBConnections(s.cfg.Database.Driver, st.OpenConnections, st.Idle)
		}
	}
}

// Shutdown 优雅关闭：监听 → 后台任务 → Redis → 数据库
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	if s.servers != nil {
		if err := s.servers.Shutdown(context.Background()); err != nil {
			s.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("resource close error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
