// Package ptysession manages one interactive shell session per
// conversation on a pseudo-terminal. Sessions are created lazily,
// reused while the working directory is unchanged, and recycled when
// it changes. A background reader captures everything the shell emits
// into a growing scrollback buffer.
package ptysession

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/conductor-core/conductor/internal/metrics"
)

// DefaultShell is used when the caller does not name one.
const DefaultShell = "/bin/bash"

// killGrace is how long a terminating session gets between SIGTERM and
// SIGKILL.
const killGrace = 3 * time.Second

// Session is one live shell on a PTY.
type Session struct {
	ConversationID string
	WorkingDir     string

	master *os.File
	cmd    *exec.Cmd

	mu              sync.Mutex
	buf             bytes.Buffer
	lastInputOffset int
	closed          bool
	readerDone      chan struct{}
}

// newSession opens a PTY pair and starts the shell on the slave side
// as the session leader with the slave as its controlling terminal.
func newSession(conversationID, workdir, shell string) (*Session, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, err
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open PTY slave %s: %w", slavePath, err)
	}

	if shell == "" {
		shell = DefaultShell
	}
	cmd := exec.Command(shell, "-i")
	cmd.Dir = workdir
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.Env = append(os.Environ(), "TERM=dumb")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("start shell %s: %w", shell, err)
	}
	// The child holds its own copy of the slave fd.
	slave.Close()

	s := &Session{
		ConversationID: conversationID,
		WorkingDir:     workdir,
		master:         master,
		cmd:            cmd,
		readerDone:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// readLoop drains the master side into the scrollback buffer until the
// PTY closes.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	chunk := make([]byte, 4096)
	for {
		n, err := s.master.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Send writes input to the shell. The input must carry its own line
// terminator; a bare command without one concatenates with the next
// input rather than executing. That contract belongs to the caller.
func (s *Session) Send(input string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session for conversation %s is closed", s.ConversationID)
	}
	s.lastInputOffset = s.buf.Len()
	s.mu.Unlock()

	_, err := s.master.WriteString(input)
	return err
}

// OutputFrom returns scrollback starting at offset and the offset of
// the end of what was returned, for incremental reads.
func (s *Session) OutputFrom(offset int) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.buf.Bytes()
	if offset < 0 || offset > len(data) {
		offset = len(data)
	}
	return string(data[offset:]), len(data)
}

// Scrollback returns everything captured so far.
func (s *Session) Scrollback() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// LastOutput returns output captured since the most recent Send.
func (s *Session) LastOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.buf.Bytes()
	if s.lastInputOffset > len(data) {
		return ""
	}
	return string(data[s.lastInputOffset:])
}

// Close terminates the shell, graceful then forceful, and releases the
// PTY.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		// Signal the whole session group.
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			_ = s.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
	}

	err := s.master.Close()
	<-s.readerDone
	return err
}

// openPTY allocates a PTY master/slave pair using the Linux devpts
// interface. Returns the master as an *os.File and the filesystem path
// to the slave.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := int(master.Fd())

	ptyNumber, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
	}

	slavePath = fmt.Sprintf("/dev/pts/%d", ptyNumber)
	return master, slavePath, nil
}

// Manager keys sessions by conversation id.
type Manager struct {
	logger *zap.Logger
	shell  string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(shell string, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		shell:    shell,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the conversation's session, creating it lazily. A
// changed working directory tears down the old session and starts a
// fresh one.
func (m *Manager) Acquire(conversationID, workdir string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[conversationID]; ok {
		if s.WorkingDir == workdir {
			return s, nil
		}
		m.logger.Info("Recycling session for new working directory",
			zap.String("conversation_id", conversationID),
			zap.String("old_workdir", s.WorkingDir),
			zap.String("new_workdir", workdir),
		)
		if err := s.Close(); err != nil {
			m.logger.Warn("Error closing session during recycle", zap.Error(err))
		}
		delete(m.sessions, conversationID)
		metrics.ActiveSessions.Dec()
		metrics.SessionsRecycled.Inc()
	}

	s, err := newSession(conversationID, workdir, m.shell)
	if err != nil {
		return nil, err
	}
	m.sessions[conversationID] = s
	metrics.ActiveSessions.Inc()
	return s, nil
}

// Get returns the live session if one exists.
func (m *Manager) Get(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// CloseConversation tears down the conversation's session if present.
func (m *Manager) CloseConversation(conversationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if ok {
		delete(m.sessions, conversationID)
		metrics.ActiveSessions.Dec()
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll tears down every session, used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn("Error closing session at shutdown",
				zap.String("conversation_id", s.ConversationID),
				zap.Error(err),
			)
		}
	}
}
