package config

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// ReadModerationBots reads a newline separated allow-list. Blank lines and lines
// starting with # are skipped.
func ReadModerationBots(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open moderation bots file: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read moderation bots file: %w", err)
	}
	return names, nil
}

// WatchModerationBots calls onChange with the new list every time the file is
// rewritten. It blocks until ctx is cancelled.
func WatchModerationBots(ctx context.Context, path string, logger *zap.Logger, onChange func([]string)) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			names, err := ReadModerationBots(path)
			if err != nil {
				logger.Warn("moderation bots reload failed", zap.String("path", path), zap.Error(err))
				return
			}
			if len(names) == 0 {
				logger.Warn("moderation bots file is empty, keeping previous list", zap.String("path", path))
				return
			}
			logger.Info("moderation bots reloaded", zap.String("path", path), zap.Int("count", len(names)))
			onChange(names)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("moderation bots watch error", zap.String("dir", dir), zap.Error(err))
		}
	}
}
