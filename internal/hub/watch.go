package hub

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchInbox watches dir for newly written .qsp sync packages and
// imports each one as it appears, so a package dropped onto the hub's
// inbox by removable media is picked up without a polling loop. It
// blocks until ctx is cancelled.
func (a *Aggregator) WatchInbox(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if strings.ToLower(filepath.Ext(event.Name)) != ".qsp" {
				continue
			}
			result, err := a.ImportPackage(ctx, event.Name)
			if err != nil {
				if a.Logger != nil {
					a.Logger.WithError(err).WithField("file", event.Name).Warn("inbox import failed")
				}
				continue
			}
			if a.Logger != nil {
				a.Logger.WithField("file", event.Name).WithField("imported", result.Imported).
					WithField("duplicates", result.Duplicates).Info("inbox package imported")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if a.Logger != nil {
				a.Logger.WithError(err).Warn("inbox watcher error")
			}
		}
	}
}
