package supervisor

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wardenmc/warden/internal/bus"
	"github.com/wardenmc/warden/internal/protocol"
	"github.com/wardenmc/warden/internal/snapshot"
)

// childScript stands in for the game server: it exits cleanly on the
// stop command and with an error on "die" to simulate a crash.
const childScript = `while read -r line; do
  case "$line" in
    stop) exit 0 ;;
    die) exit 1 ;;
  esac
done`

type fakeArtifacts struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeArtifacts) Resolve(force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "server.jar", nil
}

func (f *fakeArtifacts) resolveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[subject] = append(p.msgs[subject], append([]byte(nil), data...))
	return nil
}

// states returns the broadcast state values in publication order
func (p *fakePublisher) states(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, data := range p.msgs[bus.SubjectState] {
		var msg protocol.StateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad state message %q: %v", data, err)
		}
		out = append(out, msg.Value)
	}
	return out
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeArtifacts, *fakePublisher, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := snapshot.Open(dir)
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	arts := &fakeArtifacts{}
	pub := &fakePublisher{}
	sup := New(Config{
		Dir:         dir,
		JavaBin:     "/bin/sh",
		JavaArgs:    []string{"-c", childScript, "child"},
		StopCommand: "stop",
		SettleDelay: 10 * time.Millisecond,
	}, store, arts, pub)
	return sup, arts, pub, dir
}

func waitForState(t *testing.T, s *Supervisor, want StateKind) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopCycle(t *testing.T) {
	sup, arts, pub, dir := newTestSupervisor(t)

	if err := sup.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, sup, StateStarted)

	if got := readEula(t, dir); !strings.Contains(got, "eula=true") {
		t.Errorf("eula.txt content = %q, want eula=true", got)
	}

	if err := sup.Start(false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start while started error = %v, want ErrInvalidTransition", err)
	}

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sup.State(); got != StateInitial {
		t.Fatalf("state after Stop = %s, want initial", got)
	}

	// An explicit stop must not trigger the crash auto-restart.
	time.Sleep(200 * time.Millisecond)
	if got := sup.State(); got != StateInitial {
		t.Errorf("state settled at %s after Stop, want initial", got)
	}
	if n := arts.resolveCalls(); n != 1 {
		t.Errorf("artifact resolved %d times, want 1", n)
	}

	if err := sup.Stop(); err != nil {
		t.Errorf("Stop while stopped: %v, want nil", err)
	}

	want := []string{"starting", "started", "stopping", "initial"}
	got := pub.states(t)
	if len(got) != len(want) {
		t.Fatalf("broadcast states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("broadcast states = %v, want %v", got, want)
		}
	}
}

func TestCrashAutoRestart(t *testing.T) {
	sup, arts, _, _ := newTestSupervisor(t)

	if err := sup.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, sup, StateStarted)

	if err := sup.WriteCommand("die"); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	waitFor(t, "auto-restart", func() bool {
		return arts.resolveCalls() >= 2 && sup.State() == StateStarted
	})

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

// flakyScript exits immediately on its first launch and behaves like
// the normal child afterwards
const flakyScript = `if [ ! -e started-once ]; then
  touch started-once
  exit 1
fi
` + childScript

func TestImmediateExitRestartsCleanly(t *testing.T) {
	sup, arts, pub, _ := newTestSupervisor(t)
	sup.cfg.JavaArgs = []string{"-c", flakyScript, "child"}

	if err := sup.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The first child dies the instant it is spawned; the machine must
	// settle through the crash path, not strand in failed or stopping.
	waitFor(t, "restart after instant exit", func() bool {
		return arts.resolveCalls() >= 2 && sup.State() == StateStarted
	})
	for _, state := range pub.states(t) {
		if state == string(StateFailed) {
			t.Fatalf("broadcast states %v include failed", pub.states(t))
		}
	}

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestUnexpectedExitParksFailed(t *testing.T) {
	sup, arts, _, _ := newTestSupervisor(t)

	if err := sup.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, sup, StateStarted)

	// Forge a state the exit handler never expects an exit in, then
	// kill the child behind the machine's back.
	sup.mu.Lock()
	p := sup.proc
	sup.state = StateSaving
	sup.mu.Unlock()
	if _, err := io.WriteString(p.stdin, "die\n"); err != nil {
		t.Fatalf("writing to child: %v", err)
	}

	waitForState(t, sup, StateFailed)

	// failed is terminal: no auto-restart, no drift.
	time.Sleep(200 * time.Millisecond)
	if got := sup.State(); got != StateFailed {
		t.Errorf("state left failed on its own: %s", got)
	}
	if n := arts.resolveCalls(); n != 1 {
		t.Errorf("artifact resolved %d times, want 1", n)
	}
}

func TestWriteCommandNotRunning(t *testing.T) {
	sup, _, _, _ := newTestSupervisor(t)
	if err := sup.WriteCommand("list"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("WriteCommand error = %v, want ErrNotRunning", err)
	}
}

func TestOperationsRejectedWhileBusy(t *testing.T) {
	sup, _, _, _ := newTestSupervisor(t)
	sup.state = StateSaving

	if err := sup.Start(false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start error = %v, want ErrInvalidTransition", err)
	}
	if err := sup.Stop(); !errors.Is(err, ErrBusy) {
		t.Errorf("Stop error = %v, want ErrBusy", err)
	}
	if err := sup.Restart(false); !errors.Is(err, ErrBusy) {
		t.Errorf("Restart error = %v, want ErrBusy", err)
	}
	if err := sup.Save("label"); !errors.Is(err, ErrBusy) {
		t.Errorf("Save error = %v, want ErrBusy", err)
	}
	if err := sup.Restore("label", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Restore error = %v, want ErrBusy", err)
	}
}

func TestSaveValidation(t *testing.T) {
	sup, _, _, _ := newTestSupervisor(t)
	if err := sup.Save("../evil"); !errors.Is(err, snapshot.ErrInvalidName) {
		t.Errorf("Save error = %v, want ErrInvalidName", err)
	}
	if err := sup.Restore("ok", []snapshot.Region{{Dimension: "moon"}}); !errors.Is(err, snapshot.ErrInvalidName) {
		t.Errorf("Restore error = %v, want ErrInvalidName", err)
	}
}

func TestSaveFromInitial(t *testing.T) {
	sup, _, pub, dir := newTestSupervisor(t)
	mustWrite(t, dir, "world/level.dat", "data")

	if err := sup.Save("checkpoint"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitForState(t, sup, StateInitial)
	waitFor(t, "backup broadcast", func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.msgs[bus.SubjectBackups]) > 0
	})

	names, err := sup.store.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 1 || !strings.HasSuffix(names[0], ".checkpoint") {
		t.Errorf("backups after save = %v, want one .checkpoint entry", names)
	}
}

func TestSaveStopsRunningServer(t *testing.T) {
	sup, arts, _, dir := newTestSupervisor(t)
	mustWrite(t, dir, "world/level.dat", "data")

	if err := sup.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, sup, StateStarted)

	if err := sup.Save("mid-game"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitFor(t, "save to finish", func() bool {
		names, err := sup.store.Names()
		return err == nil && len(names) == 1 && sup.State() == StateInitial
	})

	// The stop belonged to the save, not a crash.
	time.Sleep(200 * time.Millisecond)
	if got := sup.State(); got != StateInitial {
		t.Errorf("state settled at %s, want initial", got)
	}
	if n := arts.resolveCalls(); n != 1 {
		t.Errorf("artifact resolved %d times, want 1", n)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	sup, _, _, dir := newTestSupervisor(t)

	mustWrite(t, dir, "world/level.dat", "v1")
	if err := sup.Save("good"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var backup string
	waitFor(t, "save to finish", func() bool {
		names, err := sup.store.Names()
		if err != nil || len(names) == 0 || sup.State() != StateInitial {
			return false
		}
		backup = names[0]
		return true
	})

	mustWrite(t, dir, "world/level.dat", "v2")
	if err := sup.Restore(backup, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	waitFor(t, "restore to finish", func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "world/level.dat"))
		return err == nil && string(data) == "v1" && sup.State() == StateInitial
	})

	names, err := sup.store.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	var rollbacks int
	for _, name := range names {
		if strings.HasSuffix(name, ".rollback") {
			rollbacks++
		}
	}
	if rollbacks != 1 {
		t.Errorf("backups after restore = %v, want exactly one rollback", names)
	}
}

func mustWrite(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readEula(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "eula.txt"))
	if err != nil {
		t.Fatalf("reading eula.txt: %v", err)
	}
	return string(data)
}
