package authority

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/ward/internal/policy"
)

// ReloadDebounce is how long the reloader waits after the last write.
const ReloadDebounce = 500 * time.Millisecond

// Reloader watches a policy file and swaps the service policy when it
// changes. A file that fails to compile leaves the current policy in place.
type Reloader struct {
	watcher *fsnotify.Watcher
	service *Service
	path    string
	logger  *slog.Logger

	// wg tracks debounced reloads so Run returns only after they finish.
	wg sync.WaitGroup
}

// NewReloader creates a file watcher for the policy at path.
func NewReloader(service *Service, path string) (*Reloader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{
		watcher: watcher,
		service: service,
		path:    path,
		logger:  service.logger.With("policy_path", path),
	}, nil
}

// Run watches for file changes and reloads the policy. Blocks until ctx is
// cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()
	defer r.wg.Wait()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil && debounce.Stop() {
				r.wg.Done()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil && debounce.Stop() {
				r.wg.Done()
			}
			r.wg.Add(1)
			debounce = time.AfterFunc(ReloadDebounce, func() {
				defer r.wg.Done()
				if err := r.Reload(ctx); err != nil {
					r.logger.Error("hot-reload failed", "error", err)
				}
			})

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("file watcher error", "error", err)
		}
	}
}

// Reload compiles the policy file and hands it to the service.
func (r *Reloader) Reload(ctx context.Context) error {
	p, hash, err := policy.CompileFile(r.path)
	if err != nil {
		r.service.metrics.PolicyReload(err)
		return err
	}
	if _, current := r.service.Policy(); current == hash {
		r.logger.Debug("policy unchanged", "hash", hash)
		return nil
	}
	revoked, err := r.service.ReplacePolicy(ctx, p, hash)
	if err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	r.logger.Info("hot-reload: policy reloaded", "policy", p.Name, "hash", hash, "revoked", len(revoked))
	return nil
}
