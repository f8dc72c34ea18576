// Package pdf wraps Ghostscript as the PDF compaction service.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCompactionFailed covers every non-timeout failure of the external process.
	ErrCompactionFailed = errors.New("pdf compaction failed")
	ErrTimeout          = errors.New("pdf compaction timed out")
)

// Result describes the compacted file. Path equals the input path when no
// work was needed or when the output would not have been smaller.
type Result struct {
	Path string
	Size int64
}

// Runner executes a task. It is swapped out in tests.
type Runner func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error)

func defaultRunner(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
	return task.Execute(ctx)
}

type Ghostscript struct {
	bin     string
	timeout time.Duration
	run     Runner
}

func NewGhostscript(bin string, timeout time.Duration) *Ghostscript {
	return &Ghostscript{bin: bin, timeout: timeout, run: defaultRunner}
}

// WithRunner replaces the process runner.
func (g *Ghostscript) WithRunner(r Runner) *Ghostscript {
	g.run = r
	return g
}

// ShouldCompact reports whether the file at path is larger than maxSize.
// Unreadable files are never compacted.
func (g *Ghostscript) ShouldCompact(path string, maxSize int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > maxSize
}

// Compact rewrites the PDF at reduced image quality. The caller owns the
// returned file when its path differs from the input.
func (g *Ghostscript) Compact(ctx context.Context, path string, quality int, maxSize int64) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	original := info.Size()
	if original <= maxSize {
		return &Result{Path: path, Size: original}, nil
	}

	out := strings.TrimSuffix(path, ".pdf") + "_compressed.pdf"

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := time.Now()
	res, err := g.run(ctx, execute.ExecTask{
		Command: g.bin,
		Args:    compactArgs(path, out, quality),
	})
	if ctx.Err() == context.DeadlineExceeded {
		_ = os.Remove(out)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
	}
	if err != nil {
		_ = os.Remove(out)
		return nil, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	if res.ExitCode != 0 {
		_ = os.Remove(out)
		return nil, fmt.Errorf("%w: exit status %d: %s", ErrCompactionFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	outInfo, err := os.Stat(out)
	if err != nil {
		return nil, fmt.Errorf("%w: no output: %v", ErrCompactionFailed, err)
	}

	log.Debug().
		Str("path", path).
		Str("original", humanize.IBytes(uint64(original))).
		Str("compacted", humanize.IBytes(uint64(outInfo.Size()))).
		Dur("took", time.Since(started)).
		Msg("pdf compacted")

	if outInfo.Size() >= original {
		_ = os.Remove(out)
		return &Result{Path: path, Size: original}, nil
	}
	return &Result{Path: out, Size: outInfo.Size()}, nil
}

// compactArgs maps a 1-100 quality onto Ghostscript's presets.
func compactArgs(in, out string, quality int) []string {
	preset, dpi := "/screen", 72
	switch {
	case quality >= 90:
		preset, dpi = "/printer", 300
	case quality >= 60:
		preset, dpi = "/ebook", 150
	}

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dPDFSETTINGS=" + preset,
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		"-dDetectDuplicateImages=true",
		"-dDownsampleColorImages=true",
		"-dDownsampleGrayImages=true",
		fmt.Sprintf("-dColorImageResolution=%d", dpi),
		fmt.Sprintf("-dGrayImageResolution=%d", dpi),
		fmt.Sprintf("-dJPEGQ=%d", quality),
		"-sOutputFile=" + out,
		in,
	}
}
