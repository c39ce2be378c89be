package suite

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/crawlspace/testenv/fixtures"
)

// DumpWorkspace logs the workspace's file listing with modification times
// at the given level. Warn-level dumps accompany failures so the staged
// inputs can be inspected post-mortem; unreadable entries are skipped
// rather than turning a diagnostic into a failure of its own.
func (e *Env) DumpWorkspace(ws fixtures.Workspace, level slog.Level) {
	if ws.Dir == "" {
		return
	}
	ctx := context.Background()

	walkErr := filepath.WalkDir(ws.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(ws.Dir, path)
		if err != nil {
			rel = path
		}
		if d.IsDir() {
			e.logger.Log(ctx, level, "workspace dir", "path", rel, "modified", info.ModTime())
		} else {
			e.logger.Log(ctx, level, "workspace file",
				"path", rel, "size", info.Size(), "modified", info.ModTime())
		}
		return nil
	})
	if walkErr != nil {
		e.logger.Error("cannot read workspace content", "dir", ws.Dir, "error", walkErr)
	}
}
