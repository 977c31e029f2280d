// Package clipboard delivers rewritten links to the user's clipboard.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atotto/clipboard"
)

// ErrUnavailable is returned when no clipboard could take the text.
var ErrUnavailable = errors.New("clipboard: unavailable")

// Writer is the clipboard collaborator.
type Writer interface {
	WriteText(ctx context.Context, s string) error
}

// System writes to the OS clipboard (xclip/xsel/wl-copy, pbcopy, or the
// Windows API).
type System struct{}

func (System) WriteText(ctx context.Context, s string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if clipboard.Unsupported {
		return fmt.Errorf("%w: no system clipboard utility", ErrUnavailable)
	}
	if err := clipboard.WriteAll(s); err != nil {
		return fmt.Errorf("clipboard: system: %w", err)
	}
	return nil
}

// Evaluator runs a JS function in the page with arguments.
type Evaluator interface {
	EvalJS(ctx context.Context, fn string, args ...any) (string, error)
}

// pageWriteJS resolves to "ok" once navigator.clipboard accepted the text.
const pageWriteJS = `(text) => navigator.clipboard.writeText(text).then(() => "ok")`

// Page writes through the page's async clipboard API and falls back to
// Fallback when the page refuses (no focus, permission denied).
type Page struct {
	Eval     Evaluator
	Fallback Writer
	Logger   *slog.Logger
}

func (p *Page) WriteText(ctx context.Context, s string) error {
	var pageErr error
	if p.Eval != nil {
		res, err := p.Eval.EvalJS(ctx, pageWriteJS, s)
		if err == nil && res == "ok" {
			return nil
		}
		pageErr = err
		if pageErr == nil {
			pageErr = fmt.Errorf("unexpected result %q", res)
		}
		if p.Logger != nil {
			p.Logger.Debug("clipboard: page write refused, falling back", "error", pageErr)
		}
	}
	if p.Fallback == nil {
		return fmt.Errorf("%w: page: %v", ErrUnavailable, pageErr)
	}
	return p.Fallback.WriteText(ctx, s)
}

// Memory keeps every write. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	writes []string
	// Err, when set, is returned by every write.
	Err error
}

func (m *Memory) WriteText(_ context.Context, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.writes = append(m.writes, s)
	return nil
}

// Last returns the most recent write.
func (m *Memory) Last() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return "", false
	}
	return m.writes[len(m.writes)-1], true
}

// Writes returns a copy of all writes.
func (m *Memory) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}
