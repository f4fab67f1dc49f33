package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fakeRuntime is an in-memory Runtime. Units "run" by calling behave with the
// payload they were given.
type fakeRuntime struct {
	mu      sync.Mutex
	nextID  int
	live    map[string]*fakeUnit
	created int

	// failOn makes the named stage return failErr.
	failOn  string
	failErr error
	// panicOn makes the named stage panic.
	panicOn string

	behave func(payload, stdin []byte) (Output, WaitResult, bool)
}

type fakeUnit struct {
	id       string
	spec     UnitSpec
	payload  []byte
	stdin    []byte
	attached bool
	out      Output
	wait     WaitResult
	blocks   bool
}

func (u *fakeUnit) ID() string { return u.id }

type fakeAttachment struct {
	unit *fakeUnit
	once sync.Once
	out  Output
}

func (a *fakeAttachment) Collect(time.Duration) Output {
	a.once.Do(func() { a.out = a.unit.out })
	return a.out
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		live: make(map[string]*fakeUnit),
		behave: func(payload, _ []byte) (Output, WaitResult, bool) {
			return Output{Stdout: payload}, WaitResult{}, false
		},
	}
}

func (f *fakeRuntime) stage(ctx context.Context, name string) error {
	if f.panicOn == name {
		panic("fake runtime panic in " + name)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	if f.failOn == name {
		return f.failErr
	}
	return nil
}

func (f *fakeRuntime) CreateUnit(ctx context.Context, spec UnitSpec) (Unit, error) {
	if err := f.stage(ctx, "create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created++
	u := &fakeUnit{id: fmt.Sprintf("unit-%d", f.nextID), spec: spec}
	f.live[u.id] = u
	return u, nil
}

func (f *fakeRuntime) InjectPayload(ctx context.Context, unit Unit, filename string, content []byte) error {
	if err := f.stage(ctx, "inject"); err != nil {
		return err
	}
	u := unit.(*fakeUnit)
	u.payload = append([]byte(nil), content...)
	return nil
}

func (f *fakeRuntime) AttachOutputs(ctx context.Context, unit Unit, stdin []byte) (Attachment, error) {
	if err := f.stage(ctx, "attach"); err != nil {
		return nil, err
	}
	u := unit.(*fakeUnit)
	u.attached = true
	u.stdin = stdin
	return &fakeAttachment{unit: u}, nil
}

func (f *fakeRuntime) Start(ctx context.Context, unit Unit) error {
	if err := f.stage(ctx, "start"); err != nil {
		return err
	}
	u := unit.(*fakeUnit)
	if !u.attached {
		return errors.New("fake: start before attach")
	}
	if u.spec.Mount != "" {
		data, err := os.ReadFile(filepath.Join(u.spec.Mount, u.spec.Profile.Filename))
		if err != nil {
			return fmt.Errorf("fake: reading mounted source: %w", err)
		}
		u.payload = data
	}
	u.out, u.wait, u.blocks = f.behave(u.payload, u.stdin)
	return nil
}

func (f *fakeRuntime) WaitOrTimeout(ctx context.Context, unit Unit, timeout time.Duration) (WaitResult, error) {
	if err := f.stage(ctx, "wait"); err != nil {
		return WaitResult{}, err
	}
	u := unit.(*fakeUnit)
	if u.blocks {
		<-time.After(timeout)
		return WaitResult{TimedOut: true}, nil
	}
	return u.wait, nil
}

func (f *fakeRuntime) Dispose(unit Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, unit.ID())
}

func (f *fakeRuntime) liveUnits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRuntime) createdUnits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}
