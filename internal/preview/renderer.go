// Package preview converts office documents to PDF through a headless LibreOffice.
package preview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnavailable  = errors.New("office converter is not installed")
	ErrRenderFailed = errors.New("preview rendering failed")
	ErrTimeout      = errors.New("preview rendering timed out")
)

// Runner executes a task. It is swapped out in tests.
type Runner func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error)

func defaultRunner(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
	return task.Execute(ctx)
}

// fallbackBins are tried in order when no binary is configured.
var fallbackBins = []string{"libreoffice", "soffice"}

type LibreOffice struct {
	bin      string
	timeout  time.Duration
	run      Runner
	lookPath func(string) (string, error)
}

func NewLibreOffice(bin string, timeout time.Duration) *LibreOffice {
	return &LibreOffice{
		bin:      bin,
		timeout:  timeout,
		run:      defaultRunner,
		lookPath: exec.LookPath,
	}
}

// WithRunner replaces the process runner.
func (l *LibreOffice) WithRunner(r Runner) *LibreOffice {
	l.run = r
	return l
}

func (l *LibreOffice) resolve() (string, bool) {
	candidates := fallbackBins
	if l.bin != "" {
		candidates = append([]string{l.bin}, fallbackBins...)
	}
	for _, c := range candidates {
		if p, err := l.lookPath(c); err == nil {
			return p, true
		}
	}
	return "", false
}

// Available reports whether a converter binary can be found on PATH.
func (l *LibreOffice) Available() bool {
	_, ok := l.resolve()
	return ok
}

// RenderToPDF converts src into outDir and returns the path of the PDF.
// LibreOffice names the output after the source file's base name.
func (l *LibreOffice) RenderToPDF(ctx context.Context, src, outDir string) (string, error) {
	bin, ok := l.resolve()
	if !ok {
		return "", ErrUnavailable
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(outDir, base+".pdf")

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	started := time.Now()
	res, err := l.run(ctx, execute.ExecTask{
		Command: bin,
		Args:    []string{"--headless", "--convert-to", "pdf", "--outdir", outDir, src},
		// LibreOffice locks its profile under HOME.
		Env: []string{"HOME=" + outDir},
	})
	if ctx.Err() == context.DeadlineExceeded {
		_ = os.Remove(out)
		return "", fmt.Errorf("%w after %s", ErrTimeout, l.timeout)
	}
	if err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	if res.ExitCode != 0 {
		_ = os.Remove(out)
		return "", fmt.Errorf("%w: exit status %d: %s", ErrRenderFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("%w: no output: %v", ErrRenderFailed, err)
	}

	log.Debug().
		Str("source", src).
		Dur("took", time.Since(started)).
		Msg("preview rendered")

	return out, nil
}
