package files

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dropcode-go/internal/config"
	"dropcode-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineView_Text(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Preview.TextLimit = 8 })
	ctx := context.Background()

	short := upload(t, env, UploadRequest{Filename: "short.txt", Content: strings.NewReader("hello")})
	c, err := env.svc.InlineView(ctx, short.Record)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", c.ContentType)
	assert.Equal(t, "hello", string(readAll(t, c)))

	long := upload(t, env, UploadRequest{Filename: "long.log", Content: strings.NewReader("0123456789abcdef")})
	c, err = env.svc.InlineView(ctx, long.Record)
	require.NoError(t, err)
	body := string(readAll(t, c))
	assert.True(t, strings.HasPrefix(body, "01234567\n\n... (truncated"))
}

func TestInlineView_TextCutInsideRune(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Preview.TextLimit = 5 })

	res := upload(t, env, UploadRequest{Filename: "ru.txt", Content: strings.NewReader("абвгд")})
	c, err := env.svc.InlineView(context.Background(), res.Record)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", c.ContentType)
	assert.True(t, strings.HasPrefix(string(readAll(t, c)), "аб\n"))
}

func TestInlineView_BinaryTextFallsBack(t *testing.T) {
	env := newTestEnv(t)

	res := upload(t, env, UploadRequest{Filename: "data.csv", Content: strings.NewReader("a,b\xff\xfe\x00")})
	c, err := env.svc.InlineView(context.Background(), res.Record)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", c.ContentType)
	assert.Equal(t, "a,b\xff\xfe\x00", string(readAll(t, c)))
}

func TestInlineView_PDFPrefersVariant(t *testing.T) {
	env := newTestEnv(t)
	env.compactor.size = 1 << 20

	res := upload(t, env, UploadRequest{Filename: "scan.pdf", Content: strings.NewReader(string(pdfBytes(11 << 20)))})
	require.True(t, res.Compressed)

	c, err := env.svc.InlineView(context.Background(), res.Record)
	require.NoError(t, err)
	assert.True(t, c.Compressed)
	assert.Equal(t, "application/pdf", c.ContentType)
	c.Body.Close()
}

func TestInlineView_OfficeIsRenderedOnceAndCached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := upload(t, env, UploadRequest{Filename: "plan.docx", Content: strings.NewReader("PK fake docx")})

	c, err := env.svc.InlineView(ctx, res.Record)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", c.ContentType)
	assert.Equal(t, "plan.pdf", c.Filename)
	assert.Equal(t, "%PDF-1.4 rendered", string(readAll(t, c)))
	assert.True(t, env.exists(t, models.PreviewKeyFor(res.Record.ID)))

	c, err = env.svc.InlineView(ctx, res.Record)
	require.NoError(t, err)
	c.Body.Close()
	assert.Equal(t, int32(1), env.renderer.calls.Load())
}

func TestInlineView_OfficeRerendersWhenSourceIsNewer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := upload(t, env, UploadRequest{Filename: "plan.odt", Content: strings.NewReader("v1")})
	c, err := env.svc.InlineView(ctx, res.Record)
	require.NoError(t, err)
	c.Body.Close()

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, env.fs.Chtimes("/data/"+models.PreviewKeyFor(res.Record.ID), stale, stale))

	c, err = env.svc.InlineView(ctx, res.Record)
	require.NoError(t, err)
	c.Body.Close()
	assert.Equal(t, int32(2), env.renderer.calls.Load())
}

func TestInlineView_OfficeFailures(t *testing.T) {
	tests := []struct {
		name     string
		renderer *fakeRenderer
	}{
		{"converter missing", &fakeRenderer{available: false}},
		{"conversion fails", &fakeRenderer{available: true, err: errors.New("timed out")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.svc.renderer = tt.renderer

			res := upload(t, env, UploadRequest{Filename: "sheet.xlsx", Content: strings.NewReader("PK")})
			_, err := env.svc.InlineView(context.Background(), res.Record)
			assert.ErrorIs(t, err, ErrExternalService)
			assert.False(t, env.exists(t, models.PreviewKeyFor(res.Record.ID)))
		})
	}
}

func TestInlineView_ConcurrentRendersShareOneConversion(t *testing.T) {
	env := newTestEnv(t)
	env.renderer.delay = 50 * time.Millisecond
	ctx := context.Background()

	res := upload(t, env, UploadRequest{Filename: "deck.pptx", Content: strings.NewReader("PK")})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := env.svc.InlineView(ctx, res.Record)
			if assert.NoError(t, err) {
				c.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), env.renderer.calls.Load())
}

func TestTrimPartialRune(t *testing.T) {
	assert.Equal(t, []byte("ab"), trimPartialRune([]byte("ab")))
	assert.Equal(t, []byte("а"), trimPartialRune([]byte("аб")[:3]))
	assert.Equal(t, []byte{}, trimPartialRune([]byte{0xd0}))
}
