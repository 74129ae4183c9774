package uploader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

// capablePage records SetFiles calls.
type capablePage struct {
	selector string
	paths    []string
	calls    int
}

func (p *capablePage) Goto(ctx context.Context, url string) error                 { return nil }
func (p *capablePage) Evaluate(ctx context.Context, script string, out any) error { return nil }
func (p *capablePage) Click(ctx context.Context, selector string) error           { return nil }
func (p *capablePage) Type(ctx context.Context, selector, text string) error      { return nil }
func (p *capablePage) Press(ctx context.Context, selector, key string) error      { return nil }
func (p *capablePage) CurrentURL(ctx context.Context) (string, error)             { return "", nil }
func (p *capablePage) Reload(ctx context.Context) error                           { return nil }

func (p *capablePage) SetFiles(ctx context.Context, selector string, paths []string) error {
	p.selector = selector
	p.paths = paths
	p.calls++
	return nil
}

func makeFiles(t *testing.T, n int) []schemas.Attachment {
	t.Helper()
	dir := t.TempDir()
	out := make([]schemas.Attachment, n)
	for i := range out {
		path := filepath.Join(dir, "file"+string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
		out[i] = schemas.Attachment{Path: path, DisplayName: filepath.Base(path)}
	}
	return out
}

func testUploader(t *testing.T, limit int) *Uploader {
	t.Helper()
	return New(config.ChatConfig{
		FileInputSelector: `input[type="file"]`,
		MaxAttachments:    limit,
	}, zaptest.NewLogger(t))
}

func TestUploadWithinLimit(t *testing.T) {
	page := &capablePage{}
	files := makeFiles(t, 3)

	overflow, err := testUploader(t, 10).Upload(context.Background(), page, files)
	require.NoError(t, err)
	assert.Empty(t, overflow)
	assert.Equal(t, 1, page.calls)
	assert.Len(t, page.paths, 3)
	assert.Equal(t, `input[type="file"]`, page.selector)
}

func TestUploadOverflowBeyondLimit(t *testing.T) {
	page := &capablePage{}
	files := makeFiles(t, 5)

	overflow, err := testUploader(t, 3).Upload(context.Background(), page, files)
	require.NoError(t, err)
	assert.Len(t, page.paths, 3, "attach up to the limit")
	require.Len(t, overflow, 2)
	assert.Equal(t, files[3], overflow[0])
	assert.Equal(t, files[4], overflow[1])
}

func TestUploadMissingFileIsHardError(t *testing.T) {
	page := &capablePage{}
	files := []schemas.Attachment{{Path: filepath.Join(t.TempDir(), "nope.txt")}}

	_, err := testUploader(t, 10).Upload(context.Background(), page, files)
	assert.Error(t, err)
	assert.Zero(t, page.calls)
}

func TestUploadNoFilesIsANoop(t *testing.T) {
	page := &capablePage{}
	overflow, err := testUploader(t, 10).Upload(context.Background(), page, nil)
	require.NoError(t, err)
	assert.Empty(t, overflow)
	assert.Zero(t, page.calls)
}

func TestUploadIncapablePageOverflowsEverything(t *testing.T) {
	// A page handle without file support cannot attach; everything comes
	// back for inlining.
	page := &plainNoFiles{}
	files := makeFiles(t, 2)

	overflow, err := testUploader(t, 10).Upload(context.Background(), page, files)
	require.NoError(t, err)
	assert.Equal(t, files, overflow)
}

// plainNoFiles implements only the base page interface.
type plainNoFiles struct{}

func (plainNoFiles) Goto(ctx context.Context, url string) error                 { return nil }
func (plainNoFiles) Evaluate(ctx context.Context, script string, out any) error { return nil }
func (plainNoFiles) Click(ctx context.Context, selector string) error           { return nil }
func (plainNoFiles) Type(ctx context.Context, selector, text string) error      { return nil }
func (plainNoFiles) Press(ctx context.Context, selector, key string) error      { return nil }
func (plainNoFiles) CurrentURL(ctx context.Context) (string, error)             { return "", nil }
func (plainNoFiles) Reload(ctx context.Context) error                           { return nil }
