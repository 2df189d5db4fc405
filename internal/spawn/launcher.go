package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/antoniostano/maestro/internal/core"
)

// Launcher starts external agent processes. Launch never blocks on process
// completion: it returns as soon as the OS process exists, and a watcher
// goroutine reports the eventual exit through OnExit so the session manager
// can mark the session stopped or failed.
type Launcher struct {
	Command string
	Args    []string
	BaseDir string

	// OnExit receives the session id and the process exit error (nil on a
	// clean exit). May be nil.
	OnExit func(sessionID string, exitErr error)

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

func NewLauncher(command string, args []string, baseDir string) *Launcher {
	return &Launcher{
		Command: command,
		Args:    args,
		BaseDir: baseDir,
		running: make(map[string]*exec.Cmd),
	}
}

// Launch starts one agent process bound to sessionID. Failures to start
// (missing binary, bad working directory) surface as core.ErrSpawn.
func (l *Launcher) Launch(sessionID, manifestPath string, env map[string]string) (int, error) {
	if strings.TrimSpace(l.Command) == "" {
		return 0, fmt.Errorf("%w: agent command not configured", core.ErrSpawn)
	}

	workDir := filepath.Join(l.BaseDir, sessionID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create session workdir: %v", core.ErrSpawn, err)
	}

	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	logFile, err := os.OpenFile(filepath.Join(workDir, "agent.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, fmt.Errorf("%w: start %s: %v", core.ErrSpawn, l.Command, err)
	}

	l.mu.Lock()
	l.running[sessionID] = cmd
	l.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		l.mu.Lock()
		delete(l.running, sessionID)
		l.mu.Unlock()
		if l.OnExit != nil {
			l.OnExit(sessionID, waitErr)
		}
	}()

	return cmd.Process.Pid, nil
}

// Stop asks the process bound to sessionID to terminate. Best effort: a
// process that already exited is not an error.
func (l *Launcher) Stop(sessionID string) error {
	l.mu.Lock()
	cmd := l.running[sessionID]
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// RunningCount reports how many launched processes have not yet exited.
func (l *Launcher) RunningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}
