// Package sentinel supervises the agentd child process: it restarts
// the child after a crash with exponential backoff, and watches the
// binary on disk so a redeploy triggers a clean restart. The engine's
// checkpoint recovery makes restarts safe at any point.
package sentinel

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// GracePeriod is how long a child gets after SIGTERM before SIGKILL.
	GracePeriod = 10 * time.Second

	// InitialBackoff is the first delay after an abnormal child exit.
	InitialBackoff = 5 * time.Second

	// MaxBackoff caps the restart delay.
	MaxBackoff = 10 * time.Minute

	// BackoffFactor multiplies the delay on each successive failure.
	BackoffFactor = 2.0

	// SuccessRunTime is how long the child must stay up before the
	// backoff resets.
	SuccessRunTime = 30 * time.Second

	// DebounceInterval delays the checksum comparison after an fsnotify
	// event so multi-step deploys (write + rename) settle first.
	DebounceInterval = 100 * time.Millisecond
)

// Sentinel supervises a single child started as `<binary> run`.
type Sentinel struct {
	binaryPath string
	childArgs  []string
	lastHash   [sha256.Size]byte
	backoff    time.Duration
	stopCh     chan struct{}
}

// Run blocks, supervising the current executable re-invoked with
// childArgs, until SIGINT/SIGTERM arrives.
func Run(childArgs ...string) error {
	binaryPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}
	// Resolve symlinks so the watcher sees the real file.
	binaryPath, err = filepath.EvalSymlinks(binaryPath)
	if err != nil {
		return fmt.Errorf("failed to resolve symlinks for binary: %w", err)
	}

	s := &Sentinel{
		binaryPath: binaryPath,
		childArgs:  childArgs,
		backoff:    InitialBackoff,
		stopCh:     make(chan struct{}),
	}

	s.lastHash, err = HashFile(binaryPath)
	if err != nil {
		return fmt.Errorf("failed to hash binary: %w", err)
	}
	slog.Info("sentinel starting", "binary", binaryPath, "hash", fmt.Sprintf("%x", s.lastHash[:8]))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	updateCh := make(chan struct{}, 1)
	go s.watchBinary(updateCh)

	s.superviseLoop(sigCh, updateCh)
	return nil
}

func (s *Sentinel) superviseLoop(sigCh <-chan os.Signal, updateCh <-chan struct{}) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		child, err := s.startChild()
		if err != nil {
			slog.Error("sentinel failed to start child", "error", err)
			s.sleepBackoff()
			s.increaseBackoff()
			continue
		}

		startTime := time.Now()
		childDone := make(chan error, 1)
		go func() {
			childDone <- child.Wait()
		}()

		select {
		case err := <-childDone:
			elapsed := time.Since(startTime)
			if err != nil {
				slog.Error("child exited abnormally", "elapsed", elapsed, "error", err)
				if elapsed >= SuccessRunTime {
					s.backoff = InitialBackoff
				}
				s.sleepBackoff()
				s.increaseBackoff()
			} else {
				// The child normally runs forever, so a clean exit still
				// warrants a restart, just without backoff.
				slog.Info("child exited cleanly", "elapsed", elapsed)
				s.backoff = InitialBackoff
				time.Sleep(time.Second)
			}

		case <-updateCh:
			// The engine resumes from its last checkpoint after restart,
			// so a plain SIGTERM is sufficient for redeploys.
			slog.Info("binary update detected, restarting child")
			s.stopChild(child)
			<-childDone
			if h, err := HashFile(s.binaryPath); err == nil {
				s.lastHash = h
				slog.Info("new binary hash", "hash", fmt.Sprintf("%x", s.lastHash[:8]))
			}
			s.backoff = InitialBackoff

		case sig := <-sigCh:
			slog.Info("sentinel received signal, stopping child", "signal", sig.String())
			s.stopChild(child)
			<-childDone
			return
		}
	}
}

func (s *Sentinel) startChild() (*exec.Cmd, error) {
	cmd := exec.Command(s.binaryPath, s.childArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", s.binaryPath, err)
	}
	slog.Info("started child process", "pid", cmd.Process.Pid)
	return cmd, nil
}

// stopChild sends SIGTERM and schedules a SIGKILL after the grace
// period. The caller drains the child's Wait.
func (s *Sentinel) stopChild(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("failed to send SIGTERM", "pid", pid, "error", err)
		return
	}

	go func() {
		time.Sleep(GracePeriod)
		if err := cmd.Process.Signal(syscall.Signal(0)); err == nil {
			slog.Warn("grace period expired, killing child", "pid", pid)
			_ = cmd.Process.Kill()
		}
	}()
}

// watchBinary watches the binary's parent directory (atomic deploys
// replace the inode, so watching the file itself would go stale) and
// signals updateCh when the checksum actually changes.
func (s *Sentinel) watchBinary(updateCh chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("failed to create fsnotify watcher", "error", err)
		return
	}
	defer watcher.Close()

	watchDir := filepath.Dir(s.binaryPath)
	binaryName := filepath.Base(s.binaryPath)

	if err := watcher.Add(watchDir); err != nil {
		slog.Error("failed to watch directory", "dir", watchDir, "error", err)
		return
	}

	var debounceTimer *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != binaryName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(DebounceInterval, func() {
				newHash, err := HashFile(s.binaryPath)
				if err != nil {
					slog.Warn("failed to hash binary after event", "error", err)
					return
				}
				if newHash != s.lastHash {
					select {
					case updateCh <- struct{}{}:
					default:
					}
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("fsnotify error", "error", err)

		case <-s.stopCh:
			return
		}
	}
}

// HashFile computes the SHA256 hash of the file at path.
func HashFile(path string) ([sha256.Size]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("hash %s: %w", path, err)
	}

	var result [sha256.Size]byte
	copy(result[:], h.Sum(nil))
	return result, nil
}

func (s *Sentinel) sleepBackoff() {
	select {
	case <-time.After(s.backoff):
	case <-s.stopCh:
	}
}

func (s *Sentinel) increaseBackoff() {
	s.backoff = time.Duration(float64(s.backoff) * BackoffFactor)
	if s.backoff > MaxBackoff {
		s.backoff = MaxBackoff
	}
}
