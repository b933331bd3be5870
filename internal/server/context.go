package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lesleslie/crackerjack-mcp/internal/audit"
	"github.com/lesleslie/crackerjack-mcp/internal/batch"
	"github.com/lesleslie/crackerjack-mcp/internal/bridge"
	"github.com/lesleslie/crackerjack-mcp/internal/config"
	"github.com/lesleslie/crackerjack-mcp/internal/errorcache"
	"github.com/lesleslie/crackerjack-mcp/internal/jobs"
	"github.com/lesleslie/crackerjack-mcp/internal/progress"
	"github.com/lesleslie/crackerjack-mcp/internal/ratelimit"
	"github.com/lesleslie/crackerjack-mcp/internal/security"
	"github.com/lesleslie/crackerjack-mcp/internal/session"
	"github.com/lesleslie/crackerjack-mcp/internal/status"
	"github.com/lesleslie/crackerjack-mcp/internal/workflow"
)

// Task is a named startup or shutdown step
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Context is the composition root: it owns every subsystem and drives the
// initialise/shutdown ordering. Components never hold a pointer back to it.
type Context struct {
	Config *config.Config

	Sanitizer     *security.Sanitizer
	Auditor       *audit.Logger
	StateManager  *session.Manager
	ErrorCache    *errorcache.Cache
	RateLimiter   *ratelimit.Middleware
	BatchedWriter *batch.Writer
	Store         *progress.Store
	Monitor       progress.Monitor
	JobManager    *jobs.Manager
	Bridge        *bridge.Bridge
	Status        *status.Collection
	Orchestrator  workflow.Orchestrator

	startupTasks  []Task
	shutdownTasks []Task

	initialised bool
	cancel      context.CancelFunc
}

// New creates an uninitialised context; Initialise wires and starts it
func New(cfg *config.Config) *Context {
	return &Context{Config: cfg}
}

// Initialised reports whether Initialise completed fully
func (c *Context) Initialised() bool {
	return c.initialised
}

// AddStartupTask registers a step run at the end of initialisation
func (c *Context) AddStartupTask(t Task) {
	c.startupTasks = append(c.startupTasks, t)
}

// AddShutdownTask registers a step run first, in reverse order, on shutdown
func (c *Context) AddShutdownTask(t Task) {
	c.shutdownTasks = append(c.shutdownTasks, t)
}

// dirs derives the working directories from the configuration
func (c *Context) dirs() (progressDir, stateDir, cacheDir string, err error) {
	root := c.Config.ProjectPath
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", "", "", fmt.Errorf("cannot resolve project path: %w", err)
	}

	base := filepath.Join(abs, ".crackerjack")
	progressDir = c.Config.ProgressDir
	if progressDir == "" {
		progressDir = filepath.Join(base, "progress")
	}
	stateDir = c.Config.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(base, "state")
	}
	cacheDir = c.Config.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(base, "cache")
	}
	return progressDir, stateDir, cacheDir, nil
}

// Initialise constructs and starts every subsystem in dependency order,
// rolling back on the first failure. The context is usable only when it
// returns nil.
func (c *Context) Initialise(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.teardown()
			err = fmt.Errorf("server initialisation failed: %w", err)
		}
	}()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	// 1. Directories.
	progressDir, stateDir, cacheDir, err := c.dirs()
	if err != nil {
		return err
	}
	for _, dir := range []string{progressDir, stateDir, cacheDir} {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return fmt.Errorf("cannot create %s: %w", dir, mkErr)
		}
	}

	if c.Config.EnableAuditLogging {
		c.Auditor = audit.NewLogger(c.Config.AuditBufferSize)
	}

	c.Sanitizer = security.NewSanitizer(security.Config{
		MaxStringLength:      c.Config.MaxStringLength,
		MaxProjectNameLength: c.Config.MaxProjectNameLength,
		MaxJobIDLength:       c.Config.MaxJobIDLength,
		MaxCommandLength:     c.Config.MaxCommandLength,
		MaxJSONSize:          c.Config.MaxJSONSize,
		MaxJSONDepth:         c.Config.MaxJSONDepth,
		AllowShellChars:      c.Config.AllowShellMetacharacters,
		StrictAlphanumeric:   c.Config.StrictAlphanumericMode,
	}, c.Auditor)

	// 2. State manager, bound to the batched writer.
	c.StateManager, err = session.NewManager(stateDir)
	if err != nil {
		return err
	}
	c.BatchedWriter = batch.NewWriter(c.Config.BatchDebounceDelay, c.Config.BatchMaxSize)
	c.StateManager.BindSaver(c.BatchedWriter)

	// 3. Error cache.
	c.ErrorCache, err = errorcache.New(cacheDir, c.Config.MaxCacheEntries)
	if err != nil {
		return err
	}

	// 4. Rate-limit middleware.
	c.RateLimiter = ratelimit.NewMiddleware(
		ratelimit.Limits{
			RequestsPerMinute: c.Config.RequestsPerMinute,
			RequestsPerHour:   c.Config.RequestsPerHour,
		},
		ratelimit.ResourceLimits{
			MaxConcurrentJobs: c.Config.MaxConcurrentJobs,
			MaxJobDuration:    c.Config.MaxJobDuration,
			MaxFileSizeBytes:  c.Config.MaxFileSizeBytes(),
			MaxProgressFiles:  c.Config.MaxProgressFiles,
			AcquireTimeout:    100 * time.Millisecond,
		},
		c.Config.ResourceCleanupPeriod,
	)
	c.RateLimiter.Start()

	// 5. Batched writer.
	c.BatchedWriter.Start()

	// Progress store, fan-out, and job manager.
	c.Store, err = progress.NewStore(progressDir, c.Sanitizer, c.Config.MaxFileSizeBytes())
	if err != nil {
		return err
	}
	c.Monitor = progress.NewMonitor(c.Store,
		c.Config.ProgressPollPeriod, c.Config.ProgressDebounce, c.Config.ForcePollingMonitor)
	c.Store.AddNotifier(c.Monitor)
	if err = c.Monitor.Start(loopCtx); err != nil {
		return err
	}

	c.JobManager = jobs.NewManager(jobs.DefaultConfig(), c.Store, c.Monitor,
		c.Auditor, c.Config.ProgressQueueSize)
	c.JobManager.Start(loopCtx)

	if c.Config.BridgeEnabled {
		c.Bridge, err = bridge.New(bridge.Options{
			Addr:        c.Config.RedisAddr(),
			Password:    c.Config.RedisPassword,
			DB:          c.Config.RedisDB,
			DialTimeout: c.Config.RedisDialTimeout,
			ReadTimeout: c.Config.RedisReadTimeout,
		}, c.Monitor)
		if err != nil {
			return err
		}
		c.Store.AddNotifier(c.Bridge)
		if err = c.Bridge.Start(loopCtx); err != nil {
			return err
		}
	}

	if c.Orchestrator == nil {
		c.Orchestrator = workflow.NewCLIOrchestrator(c.Config.ProjectPath, c.Config.MaxJobDuration)
	}

	c.Status = status.NewCollection(status.Config{
		CollectorTimeout: c.Config.StatusCollectorTimeout,
		LockTimeout:      c.Config.StatusLockTimeout,
		CacheTTL:         c.Config.StatusCacheTTL,
	})
	c.registerCollectors()

	// 6. Git probe is informational only.
	if _, statErr := os.Stat(filepath.Join(c.Config.ProjectPath, ".git")); statErr == nil {
		slog.Info("Git repository detected", "path", c.Config.ProjectPath)
	} else {
		slog.Debug("No git repository detected", "path", c.Config.ProjectPath)
	}

	// 7. Registered startup tasks, in order.
	for _, task := range c.startupTasks {
		if taskErr := task.Run(ctx); taskErr != nil {
			return fmt.Errorf("startup task %s: %w", task.Name, taskErr)
		}
	}

	c.initialised = true
	slog.Info("Server context initialised",
		"progress_dir", progressDir, "state_dir", stateDir, "cache_dir", cacheDir)
	return nil
}

func (c *Context) registerCollectors() {
	c.Status.Register("services", func(ctx context.Context) (interface{}, error) {
		services := map[string]interface{}{
			"rate_limiter":   c.RateLimiter.Limiter.Stats(),
			"batched_writer": map[string]int{"pending": c.BatchedWriter.PendingCount()},
			"error_cache":    c.ErrorCache.Stats(),
		}
		if c.Bridge != nil {
			services["event_bridge"] = map[string]string{"breaker": c.Bridge.BreakerState()}
		}
		return services, nil
	})

	c.Status.Register("jobs", func(ctx context.Context) (interface{}, error) {
		monitor := c.RateLimiter.Monitor.Stats()
		return map[string]interface{}{
			"active_jobs":         monitor.ActiveJobs,
			"max_concurrent_jobs": monitor.MaxConcurrentJobs,
			"known_job_files":     len(c.Store.List()),
			"latest_job_id":       c.Store.LatestJobID(),
			"subscribers":         c.JobManager.TotalConnections(),
		}, nil
	})

	c.Status.Register("server_stats", func(ctx context.Context) (interface{}, error) {
		summary := c.StateManager.SessionSummary()
		return map[string]interface{}{
			"session":     summary,
			"initialised": c.initialised,
			"stdio_mode":  c.Config.StdioMode,
		}, nil
	})
}

// Shutdown runs shutdown tasks in reverse order, then stops every
// subsystem. Each step is best-effort; failures never block later steps.
func (c *Context) Shutdown(ctx context.Context) {
	for i := len(c.shutdownTasks) - 1; i >= 0; i-- {
		task := c.shutdownTasks[i]
		if err := task.Run(ctx); err != nil {
			slog.Error("Shutdown task failed", "task", task.Name, "error", err)
		}
	}
	c.teardown()
	c.initialised = false
	slog.Info("Server context shut down")
}

// teardown stops everything that was started, tolerating partial
// construction during a failed initialise.
func (c *Context) teardown() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.JobManager != nil {
		c.JobManager.Stop()
	}
	if c.Bridge != nil {
		c.Bridge.Stop()
	}
	if c.Monitor != nil {
		c.Monitor.Stop()
	}
	if c.RateLimiter != nil {
		c.RateLimiter.Stop()
	}
	if c.BatchedWriter != nil {
		c.BatchedWriter.Stop()
	}
}
