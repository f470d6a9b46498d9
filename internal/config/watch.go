package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces the bursts of events editors produce per save.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the config whenever one of its files changes and hands the
// result to onChange. It returns once the watcher is installed; watching
// stops when ctx is cancelled. The parent directories are watched rather
// than the files so create-and-rename saves are seen.
func Watch(ctx context.Context, projectDir string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := map[string]bool{}
	addDir := func(path string) {
		if path == "" {
			return
		}
		dir := filepath.Dir(path)
		if watched[dir] {
			return
		}
		if err := watcher.Add(dir); err != nil {
			log.Debugf("config: cannot watch %s: %v", dir, err)
			return
		}
		watched[dir] = true
	}
	if global, err := GlobalPath(); err == nil {
		addDir(global)
	}
	addDir(ProjectPath(projectDir))

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != configFileName {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				cfg, err := Load(projectDir)
				if err != nil {
					log.Warnf("config: reload failed: %v", err)
					continue
				}
				log.Info("config: reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debugf("config: watch error: %v", err)
			}
		}
	}()
	return nil
}
