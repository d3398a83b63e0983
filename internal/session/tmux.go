package session

import (
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
)

// bufSeq generates unique tmux buffer names so concurrent sends never race on
// a shared paste buffer.
var bufSeq atomic.Int64

// TmuxSession drives an interactive process hosted in a tmux pane.
type TmuxSession struct {
	sessionName  string
	windowName   string
	captureLines int
	resetCommand string
	submitDelay  time.Duration
	logger       *logging.Logger
}

var _ Session = (*TmuxSession)(nil)

func NewTmuxSession(cfg model.SessionConfig, logger *logging.Logger) *TmuxSession {
	captureLines := cfg.CaptureLines
	if captureLines <= 0 {
		captureLines = 50
	}
	submitDelay := time.Duration(cfg.SubmitDelayMs) * time.Millisecond
	if submitDelay <= 0 {
		submitDelay = 500 * time.Millisecond
	}
	resetCommand := cfg.ResetCommand
	if resetCommand == "" {
		resetCommand = "/clear"
	}
	sessionName := cfg.TmuxSession
	if sessionName == "" {
		sessionName = "metronome"
	}
	windowName := cfg.TmuxWindow
	if windowName == "" {
		windowName = "main"
	}
	return &TmuxSession{
		sessionName:  sessionName,
		windowName:   windowName,
		captureLines: captureLines,
		resetCommand: resetCommand,
		submitDelay:  submitDelay,
		logger:       logger.WithComponent("session"),
	}
}

func (s *TmuxSession) target() string {
	return s.sessionName + ":" + s.windowName
}

// Send delivers a multi-line command via a tmux paste buffer. Bracketed paste
// (-p) delivers the whole text as one unit; -r keeps LF from becoming CR and
// submitting early. Enter follows after a short delay so the target TUI has
// rendered the pasted content.
func (s *TmuxSession) Send(command string) error {
	bufName := fmt.Sprintf("metronome-cmd-%d", bufSeq.Add(1))

	cmd := exec.Command("tmux", "load-buffer", "-b", bufName, "-")
	cmd.Stdin = strings.NewReader(command)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if err := run("paste-buffer", "-pr", "-b", bufName, "-d", "-t", s.target()); err != nil {
		return err
	}

	time.Sleep(s.submitDelay)

	if err := run("send-keys", "-t", s.target(), "Enter"); err != nil {
		return err
	}
	s.logger.Debugf("command_sent target=%s bytes=%d", s.target(), len(command))
	return nil
}

// RecentOutput captures the last captureLines lines of the pane. The -J flag
// joins wrapped lines so marker matching is independent of terminal width.
func (s *TmuxSession) RecentOutput() (string, error) {
	return output("capture-pane", "-p", "-J", "-t", s.target(),
		"-S", fmt.Sprintf("-%d", s.captureLines))
}

// IsResponsive reports whether the tmux session exists and the pane answers a
// display-message probe.
func (s *TmuxSession) IsResponsive() bool {
	if err := exec.Command("tmux", "has-session", "-t", s.sessionName).Run(); err != nil {
		return false
	}
	_, err := output("display-message", "-t", s.target(), "-p", "#{pane_id}")
	return err == nil
}

// Recover re-creates the tmux session when it has gone away. The interactive
// process itself must be restarted by the operator; recovery only restores
// the transport.
func (s *TmuxSession) Recover() error {
	if s.IsResponsive() {
		return nil
	}
	s.logger.Warnf("session_recover creating session=%s", s.sessionName)
	if err := run("new-session", "-d", "-s", s.sessionName, "-n", s.windowName); err != nil {
		return fmt.Errorf("recreate tmux session: %w", err)
	}
	return nil
}

// Reset sends the configured context-reset command (default /clear) so task
// state does not bleed across dispatches.
func (s *TmuxSession) Reset() error {
	if err := run("send-keys", "-t", s.target(), s.resetCommand, "Enter"); err != nil {
		return err
	}
	s.logger.Debugf("context_reset target=%s", s.target())
	return nil
}

func run(args ...string) error {
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
