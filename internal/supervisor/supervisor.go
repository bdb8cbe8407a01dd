// Package supervisor owns the game server process and its lifecycle
// state machine. Every operation checks and moves the state atomically
// before doing any asynchronous work, so concurrent commands can never
// interleave two mutating operations: the loser observes the winner's
// intermediate state and is rejected.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/wardenmc/warden/internal/bus"
	"github.com/wardenmc/warden/internal/protocol"
	"github.com/wardenmc/warden/internal/snapshot"
)

// eulaContent is written on first run; running the server implies
// accepting the Mojang EULA
const eulaContent = "#By changing the setting below to TRUE you are indicating your agreement to our EULA (https://account.mojang.com/documents/minecraft_eula).\n" +
	"#Sat Jun 13 01:27:53 MSK 2020\n" +
	"eula=true\n"

// ArtifactSource resolves the runnable server jar. Implementations
// cache by default and refresh when force is set.
type ArtifactSource interface {
	Resolve(force bool) (string, error)
}

// Publisher fans state and backup-list changes out to the control layer
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds the launch parameters of the supervised process
type Config struct {
	// Dir is the server directory; the child runs with it as cwd
	Dir string
	// JavaBin and JavaArgs form the command line prefix
	JavaBin  string
	JavaArgs []string
	// StopCommand is written to the child's stdin for graceful shutdown
	StopCommand string
	// SettleDelay is waited before launching the process
	SettleDelay time.Duration
}

// process is the running child. Its done channel closes when the
// process exits; next is the state the exit handler moves to when the
// exit was requested (zero value means initial).
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
	next  StateKind
}

// Supervisor serializes lifecycle operations against a single state
type Supervisor struct {
	cfg       Config
	store     *snapshot.Store
	artifacts ArtifactSource
	pub       Publisher

	mu    sync.Mutex
	state StateKind
	proc  *process

	// lineHook receives each stdout line of the child; used by the chat
	// bridge. Never affects lifecycle state.
	lineHook func(string)
}

// New creates a Supervisor in the initial state
func New(cfg Config, store *snapshot.Store, artifacts ArtifactSource, pub Publisher) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
		pub:       pub,
		state:     StateInitial,
	}
}

// State returns the current lifecycle state
func (s *Supervisor) State() StateKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetOutputHook registers a consumer for the child's console output.
// Must be called before Start.
func (s *Supervisor) SetOutputHook(hook func(line string)) {
	s.mu.Lock()
	s.lineHook = hook
	s.mu.Unlock()
}

// WriteCommand writes one console command line to the running process.
// Valid only while the state is started.
func (s *Supervisor) WriteCommand(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarted || s.proc == nil {
		return ErrNotRunning
	}
	_, err := io.WriteString(s.proc.stdin, line+"\n")
	return err
}

// setStateLocked is the single mutation point of the state machine.
// Callers hold mu.
func (s *Supervisor) setStateLocked(next StateKind) {
	s.state = next
	log.Printf("Server state: %s", next)
	s.publish(bus.SubjectState, protocol.NewStateMessage(string(next)))
}

func (s *Supervisor) transition(next StateKind) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

func (s *Supervisor) publish(subject string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling %s message: %v", subject, err)
		return
	}
	if err := s.pub.Publish(subject, data); err != nil {
		log.Printf("Error publishing on %s: %v", subject, err)
	}
}

// PublishBackups broadcasts the refreshed backup list
func (s *Supervisor) PublishBackups() {
	names, err := s.store.Names()
	if err != nil {
		log.Printf("Error listing backups: %v", err)
		return
	}
	s.publish(bus.SubjectBackups, protocol.NewBackupsMessage(names))
}

// Start launches the server. Legal only from the initial state; a
// start that fails resets to initial and is not retried.
func (s *Supervisor) Start(force bool) error {
	s.mu.Lock()
	if s.state != StateInitial {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, state)
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	go s.runStart(force)
	return nil
}

// runStart performs the launch sequence; the caller has already moved
// the state to starting
func (s *Supervisor) runStart(force bool) {
	if err := s.launch(force); err != nil {
		log.Printf("Startup failed: %v", err)
		s.transition(StateInitial)
	}
}

func (s *Supervisor) launch(force bool) error {
	if err := s.writeEula(); err != nil {
		return fmt.Errorf("writing eula: %w", err)
	}

	// Give the previous process's file handles and the OS a moment to
	// settle before spawning.
	time.Sleep(s.cfg.SettleDelay)

	jar, err := s.artifacts.Resolve(force)
	if err != nil {
		return fmt.Errorf("resolving server artifact: %w", err)
	}

	args := append(append([]string{}, s.cfg.JavaArgs...), "-jar", jar, "nogui")
	cmd := exec.Command(s.cfg.JavaBin, args...)
	cmd.Dir = s.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning server process: %w", err)
	}

	p := &process{cmd: cmd, stdin: stdin, done: make(chan struct{})}

	// The exit handler must only ever observe started or a later state,
	// so the state moves before the handler can run. Otherwise a child
	// that dies instantly could be reaped while the machine still says
	// starting, and the states would be settled in the wrong order.
	s.mu.Lock()
	s.proc = p
	s.setStateLocked(StateStarted)
	s.mu.Unlock()

	go s.scanOutput(stdout)
	go s.waitExit(p)
	return nil
}

// writeEula materializes eula.txt once; subsequent runs are no-ops
func (s *Supervisor) writeEula() error {
	path := filepath.Join(s.cfg.Dir, "eula.txt")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(eulaContent), 0644)
}

// scanOutput mirrors the child's stdout and feeds the chat bridge
func (s *Supervisor) scanOutput(r io.Reader) {
	s.mu.Lock()
	hook := s.lineHook
	s.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(os.Stdout, line)
		if hook != nil {
			hook(line)
		}
	}
}

// waitExit is the single consumer of process termination. An expected
// exit moves to the stop handle's successor state; an exit from started
// is a crash and triggers the auto-restart policy; anything else is an
// invariant violation and parks the machine in failed.
func (s *Supervisor) waitExit(p *process) {
	err := p.cmd.Wait()

	s.mu.Lock()
	prior := s.state
	s.proc = nil
	switch prior {
	case StateStopping:
		next := p.next
		if next == "" {
			next = StateInitial
		}
		s.setStateLocked(next)
	case StateStarted:
		s.setStateLocked(StateInitial)
	default:
		log.Printf("Process exited while state was %s (err=%v); marking failed", prior, err)
		s.setStateLocked(StateFailed)
	}
	s.mu.Unlock()

	close(p.done)

	if prior == StateStarted {
		// Crashes are assumed transient; explicit stops are not
		// auto-restarted.
		log.Printf("Server exited unexpectedly (%v), restarting", err)
		if startErr := s.Start(false); startErr != nil {
			log.Printf("Auto-restart rejected: %v", startErr)
		}
	}
}

// stopLocked invalidates the stop handle window: it moves the machine
// to stopping, asks the child to shut down, and arranges for the exit
// handler to continue at next. Caller holds mu and has verified the
// state is started.
func (s *Supervisor) stopLocked(next StateKind) <-chan struct{} {
	p := s.proc
	p.next = next
	s.setStateLocked(StateStopping)
	if _, err := io.WriteString(p.stdin, s.cfg.StopCommand+"\n"); err != nil {
		// The process is likely already dying; the exit handler will
		// settle the state either way.
		log.Printf("Error sending stop command: %v", err)
	}
	return p.done
}

// Stop gracefully shuts the server down. No-op when already stopped.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateInitial:
		s.mu.Unlock()
		return nil
	case StateStarted:
		done := s.stopLocked(StateInitial)
		s.mu.Unlock()
		<-done
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrBusy, state)
	}
}

// Restart stops the server if running, then starts it again; force
// refreshes the server artifact
func (s *Supervisor) Restart(force bool) error {
	s.mu.Lock()
	switch s.state {
	case StateInitial:
		s.setStateLocked(StateStarting)
		s.mu.Unlock()
		go s.runStart(force)
		return nil
	case StateStarted:
		done := s.stopLocked(StateStarting)
		s.mu.Unlock()
		go func() {
			<-done
			s.runStart(force)
		}()
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot restart while %s", ErrBusy, state)
	}
}

// Save stops the server if running and records a backup under label.
// A failed backup is logged, not fatal; the machine always returns to
// initial and the refreshed backup list is broadcast.
func (s *Supervisor) Save(label string) error {
	if !snapshot.ValidName(label) {
		return fmt.Errorf("%w: %q", snapshot.ErrInvalidName, label)
	}

	s.mu.Lock()
	switch s.state {
	case StateInitial:
		s.setStateLocked(StateSaving)
		s.mu.Unlock()
		go s.runSave(label)
		return nil
	case StateStarted:
		done := s.stopLocked(StateSaving)
		s.mu.Unlock()
		go func() {
			<-done
			s.runSave(label)
		}()
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot save while %s", ErrBusy, state)
	}
}

func (s *Supervisor) runSave(label string) {
	if _, err := s.store.Create(label); err != nil {
		log.Printf("Backup %q failed: %v", label, err)
	}
	s.transition(StateInitial)
	s.PublishBackups()
}

// Restore stops the server if running and checks the named backup out.
// A rollback backup of the pre-restore tree is always recorded first,
// so a restore never destroys state; with a non-empty region list only
// the derived region files are overwritten.
func (s *Supervisor) Restore(name string, regions []snapshot.Region) error {
	if !snapshot.ValidName(name) {
		return fmt.Errorf("%w: %q", snapshot.ErrInvalidName, name)
	}
	for _, r := range regions {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown dimension %q", snapshot.ErrInvalidName, r.Dimension)
		}
	}

	s.mu.Lock()
	switch s.state {
	case StateInitial:
		s.setStateLocked(StateRestoring)
		s.mu.Unlock()
		go s.runRestore(name, regions)
		return nil
	case StateStarted:
		done := s.stopLocked(StateRestoring)
		s.mu.Unlock()
		go func() {
			<-done
			s.runRestore(name, regions)
		}()
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot restore while %s", ErrBusy, state)
	}
}

func (s *Supervisor) runRestore(name string, regions []snapshot.Region) {
	defer func() {
		s.transition(StateInitial)
		s.PublishBackups()
	}()

	// Without the rollback point the restore would be destructive, so a
	// rollback failure aborts the whole operation.
	if _, err := s.store.CreateRollback(); err != nil {
		log.Printf("Rollback backup before restoring %q failed, aborting: %v", name, err)
		return
	}

	var err error
	if len(regions) == 0 {
		err = s.store.RestoreAll(name)
	} else {
		err = s.store.RestorePaths(name, snapshot.RegionPaths(regions))
	}
	if err != nil {
		log.Printf("Restoring %q failed: %v", name, err)
	}
}
