package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"confluence/internal/config"
	"confluence/internal/execution"
	"confluence/internal/logger"
	"confluence/internal/metrics"
	"confluence/internal/notify"
	"confluence/internal/orchestrator"
	"confluence/internal/ratelimit"
	"confluence/internal/signal"
	"confluence/internal/store/journal"
	"confluence/internal/store/ledger"
	apihttp "confluence/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动评估、交易循环与 HTTP 服务。
type App struct {
	cfg *config.Config

	budget     *ratelimit.Budget
	metrics    *metrics.Recorder
	evaluator  *signal.Evaluator
	gateway    *execution.Gateway
	system     *orchestrator.System
	dispatcher *notify.Dispatcher
	journal    *journal.Journal
	ledger     *ledger.Store
	watchlist  *config.Watchlist
	http       *apihttp.Server

	// watched 是上一次由 watchlist 管理的交易对集合。
	watchMu sync.Mutex
	watched []string

	closeOnce sync.Once
	Summary   *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 注册初始交易对并启动所有循环，ctx 结束后执行平仓关停。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.system == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	a.registerInitial()
	if a.watchlist != nil {
		a.watchlist.Subscribe(a.reconcile)
		a.watchlist.Watch()
	}

	group, gctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("http api server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.system.Run(gctx)
	})
	runErr := group.Wait()

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(a.cfg))
	defer cancel()
	shErr := a.Shutdown(shCtx)
	return errors.Join(runErr, shErr)
}

// Shutdown 平掉全部仓位并撤单，然后依次关闭通知、日志库与订单账本。
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.system != nil && a.system.Initialized() {
		err = a.system.Shutdown(ctx)
	}
	if cerr := a.closeResources(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.dispatcher != nil {
			if err := a.dispatcher.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close notify: %w", err))
			}
		}
		if a.journal != nil {
			if err := a.journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close journal: %w", err))
			}
		}
		if a.ledger != nil {
			if err := a.ledger.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close ledger: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// System exposes the orchestrator (for tests and embedding).
func (a *App) System() *orchestrator.System {
	if a == nil {
		return nil
	}
	return a.system
}

func (a *App) initialSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(list []string) {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	add(a.cfg.Orchestrator.Symbols)
	if a.watchlist != nil {
		add(a.watchlist.Symbols())
	}
	return out
}

func (a *App) registerInitial() {
	for _, raw := range a.initialSymbols() {
		if _, err := a.system.AddInstrument(raw); err != nil {
			logger.SymbolError(raw, "register", err)
		}
	}
	if a.watchlist != nil {
		a.watchMu.Lock()
		a.watched = a.watchlist.Symbols()
		a.watchMu.Unlock()
	}
}

// reconcile 只处理 watchlist 自身的增删，HTTP 添加的交易对不受影响。
func (a *App) reconcile(desired []string) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	add, remove := config.Diff(a.watched, desired)
	for _, raw := range add {
		if _, err := a.system.AddInstrument(raw); err != nil {
			logger.SymbolError(raw, "watchlist-add", err)
		}
	}
	for _, raw := range remove {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Orchestrator.CallTimeout)
		err := a.system.RemoveInstrument(ctx, raw)
		cancel()
		if err != nil {
			logger.SymbolError(raw, "watchlist-remove", err)
		}
	}
	a.watched = append([]string(nil), desired...)
	logger.Infof("watchlist reconciled: +%d -%d", len(add), len(remove))
}
