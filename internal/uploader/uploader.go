// File: internal/uploader/uploader.go
// Description: Attaches files to the pending prompt through the page's
// hidden file input. The remote UI enforces an attachment count limit;
// files past it are returned as overflow so the orchestrator can inline
// their content into the prompt text instead of silently dropping them.

package uploader

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

// fileSetter is the optional page capability uploads require. Page
// handles without it (scripted test fakes, reduced drivers) cause every
// attachment to overflow rather than fail the run.
type fileSetter interface {
	SetFiles(ctx context.Context, selector string, paths []string) error
}

// Uploader implements schemas.Uploader over the configured file input.
type Uploader struct {
	cfg config.ChatConfig
	log *zap.Logger
}

var _ schemas.Uploader = (*Uploader)(nil)

// New creates an uploader for the configured UI shape.
func New(cfg config.ChatConfig, logger *zap.Logger) *Uploader {
	return &Uploader{cfg: cfg, log: logger.Named("uploader")}
}

// Upload attaches as many files as the remote limit allows and returns
// the rest as overflow. Every path is validated before any is attached;
// a missing file is a hard error, not overflow.
func (u *Uploader) Upload(ctx context.Context, page schemas.PageHandle, files []schemas.Attachment) ([]schemas.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}

	for _, f := range files {
		info, err := os.Stat(f.Path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s is not readable: %w", f.Path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("attachment %s is a directory", f.Path)
		}
	}

	attach := files
	var overflow []schemas.Attachment
	if limit := u.cfg.MaxAttachments; limit > 0 && len(files) > limit {
		attach, overflow = files[:limit], files[limit:]
		u.log.Info("Attachment limit exceeded; overflow will be inlined.",
			zap.Int("limit", limit), zap.Int("overflow", len(overflow)))
	}

	setter, ok := page.(fileSetter)
	if !ok {
		u.log.Warn("Page handle cannot attach files; inlining all attachments.")
		return files, nil
	}

	paths := make([]string, len(attach))
	for i, f := range attach {
		paths[i] = f.Path
	}
	if err := setter.SetFiles(ctx, u.cfg.FileInputSelector, paths); err != nil {
		return nil, err
	}
	u.log.Info("Attachments uploaded.", zap.Int("count", len(attach)))
	return overflow, nil
}
