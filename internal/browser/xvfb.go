package browser

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// x11SocketDir is where an X server listens for display :N as XN.
const x11SocketDir = "/tmp/.X11-unix"

var errXvfbExited = errors.New("xvfb exited before accepting connections")

// display is a virtual X display that Chrome renders into in headful mode.
type display struct {
	name   string // ":99"
	number int
	screen string // "1280x800x24"

	socketDir    string
	readyTimeout time.Duration
	logger       *slog.Logger

	cmd    *exec.Cmd
	exited chan struct{}
}

// parseDisplay accepts ":N" or ":N.S" and returns N.
func parseDisplay(s string) (int, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("display %q: missing ':'", s)
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("display %q: bad number", s)
	}
	return n, nil
}

// newDisplay sizes the screen to the tab viewport so headful pages lay
// out the same as headless ones.
func newDisplay(cfg Config) (*display, error) {
	n, err := parseDisplay(cfg.XvfbDisplay)
	if err != nil {
		return nil, err
	}
	return &display{
		name:         fmt.Sprintf(":%d", n),
		number:       n,
		screen:       fmt.Sprintf("%dx%dx24", cfg.ViewportWidth, cfg.ViewportHeight),
		socketDir:    x11SocketDir,
		readyTimeout: 5 * time.Second,
		logger:       cfg.Logger,
	}, nil
}

func (d *display) socket() string {
	return filepath.Join(d.socketDir, "X"+strconv.Itoa(d.number))
}

// start runs Xvfb and waits until its socket shows up.
func (d *display) start() error {
	if d.cmd != nil {
		return nil
	}
	if _, err := os.Stat(d.socket()); err == nil {
		d.logger.Info("browser: reusing running display", "display", d.name)
		return nil
	}

	cmd := exec.Command("Xvfb", d.name, "-screen", "0", d.screen, "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	d.cmd, d.exited = cmd, exited

	if err := d.waitReady(); err != nil {
		d.stop()
		return err
	}
	d.logger.Info("browser: xvfb started", "display", d.name, "screen", d.screen, "pid", cmd.Process.Pid)
	return nil
}

func (d *display) waitReady() error {
	deadline := time.NewTimer(d.readyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := os.Stat(d.socket()); err == nil {
			return nil
		}
		select {
		case <-d.exited:
			return errXvfbExited
		case <-deadline.C:
			return fmt.Errorf("xvfb %s not ready after %s", d.name, d.readyTimeout)
		case <-tick.C:
		}
	}
}

// stop asks Xvfb to exit and kills it after a grace period. A display
// this process did not start is left alone.
func (d *display) stop() {
	if d.cmd == nil {
		return
	}
	if d.cmd.Process != nil {
		d.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-d.exited:
		case <-time.After(2 * time.Second):
			d.cmd.Process.Kill()
			<-d.exited
		}
	}
	d.logger.Info("browser: xvfb stopped", "display", d.name)
	d.cmd, d.exited = nil, nil
}

// startXvfb brings up the headful display. Caller holds m.mu.
func (m *Manager) startXvfb() error {
	if m.xvfb == nil {
		d, err := newDisplay(m.cfg)
		if err != nil {
			return err
		}
		m.xvfb = d
	}
	return m.xvfb.start()
}

func (m *Manager) stopXvfb() {
	if m.xvfb != nil {
		m.xvfb.stop()
	}
}
