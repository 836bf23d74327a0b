package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"confluence/internal/logger"
	"confluence/internal/pkg/symbol"
)

// WatchlistListener 在交易对列表变化时收到完整的新列表。
type WatchlistListener func(symbols []string)

// Watchlist 读取 `symbols = [...]` 文件并监听修改，实现运行期增删交易对。
type Watchlist struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	symbols   []string
	version   int
	listeners []WatchlistListener
}

// NewWatchlist 读取文件，调用 Watch 后才开始监听 FS 事件。
func NewWatchlist(path string) (*Watchlist, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("watchlist requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read watchlist failed: %w", err)
	}
	w := &Watchlist{path: path, v: v}
	w.reload()
	return w, nil
}

func (w *Watchlist) Watch() {
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		if w.reload() {
			w.notify()
		}
	})
	w.v.WatchConfig()
}

func (w *Watchlist) Symbols() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.symbols...)
}

func (w *Watchlist) Version() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// Subscribe 注册监听器；注册时不会立即回调。
func (w *Watchlist) Subscribe(fn WatchlistListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Watchlist) notify() {
	w.mu.RLock()
	snap := append([]string(nil), w.symbols...)
	listeners := append([]WatchlistListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		func(cb WatchlistListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("watchlist listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

// reload reports whether the symbol set changed.
func (w *Watchlist) reload() bool {
	next := symbol.NormalizeList(w.v.GetStringSlice("symbols"))
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.version > 0 && sameSymbols(w.symbols, next) {
		return false
	}
	w.symbols = next
	w.version++
	logger.Infof("watchlist reloaded %d symbols from %s", len(next), filepath.Base(w.path))
	return true
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

// Diff 返回从 current 过渡到 desired 需要新增与移除的交易对。
func Diff(current, desired []string) (add, remove []string) {
	have := make(map[string]bool, len(current))
	for _, s := range current {
		have[s] = true
	}
	want := make(map[string]bool, len(desired))
	for _, s := range desired {
		want[s] = true
		if !have[s] {
			add = append(add, s)
		}
	}
	for _, s := range current {
		if !want[s] {
			remove = append(remove, s)
		}
	}
	return add, remove
}
