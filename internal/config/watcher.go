package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of events an editor or deploy
// produces when rewriting policy files.
const reloadDebounce = 500 * time.Millisecond

// Reloader is anything that can recompile itself from disk. The policy
// engine implements it.
type Reloader interface {
	LoadPolicies() error
}

// PolicyWatcher recompiles the policy engine when .rego files under
// the watched directory change.
type PolicyWatcher struct {
	watcher *fsnotify.Watcher
	target  Reloader
	logger  *zap.Logger
	done    chan struct{}
}

func NewPolicyWatcher(dir string, target Reloader, logger *zap.Logger) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	pw := &PolicyWatcher{
		watcher: watcher,
		target:  target,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go pw.loop()
	logger.Info("Watching policy directory", zap.String("dir", dir))
	return pw, nil
}

func (pw *PolicyWatcher) loop() {
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := pw.target.LoadPolicies(); err != nil {
				pw.logger.Error("Policy reload failed", zap.Error(err))
			} else {
				pw.logger.Info("Policies reloaded")
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("Policy watcher error", zap.Error(err))
		case <-pw.done:
			return
		}
	}
}

// Close stops the watcher.
func (pw *PolicyWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}
