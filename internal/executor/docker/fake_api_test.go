package docker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type createCall struct {
	config *container.Config
	host   *container.HostConfig
	name   string
}

type copyCall struct {
	id   string
	dst  string
	data []byte
}

// fakeAPI records calls and returns canned answers.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	creates   []createCall
	createErr error

	copies  []copyCall
	copyErr error

	attachResp types.HijackedResponse
	attachErr  error

	startErr error

	waitStatus chan container.WaitResponse
	waitErr    chan error
	// stallWait makes ContainerWait hang until its context is done, like a
	// daemon that accepted the connection but never answers.
	stallWait bool

	killed  chan string
	killErr error

	removed   []string
	removeErr error

	list    []container.Summary
	listErr error

	pulled []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		waitStatus: make(chan container.WaitResponse, 1),
		waitErr:    make(chan error, 1),
		killed:     make(chan string, 4),
	}
}

func (f *fakeAPI) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.record("create")
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.mu.Lock()
	f.creates = append(f.creates, createCall{config: config, host: hostConfig, name: name})
	f.mu.Unlock()
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeAPI) CopyToContainer(_ context.Context, id, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	f.record("copy")
	if f.copyErr != nil {
		return f.copyErr
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.copies = append(f.copies, copyCall{id: id, dst: dst, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	f.record("attach")
	return f.attachResp, f.attachErr
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	f.record("start")
	return f.startErr
}

func (f *fakeAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.record("wait")
	if f.stallWait {
		<-ctx.Done()
		errCh := make(chan error, 1)
		errCh <- ctx.Err()
		return make(chan container.WaitResponse), errCh
	}
	return f.waitStatus, f.waitErr
}

func (f *fakeAPI) ContainerKill(_ context.Context, id, _ string) error {
	f.record("kill")
	f.killed <- id
	return f.killErr
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.record("remove")
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	f.record("list")
	return f.list, f.listErr
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.record("pull")
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) {
	f.record("ping")
	return types.Ping{}, nil
}

func (f *fakeAPI) Close() error { return nil }

func (f *fakeAPI) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// drain is a helper for the bytes a Reader yields.
func drain(r io.Reader) []byte {
	var b bytes.Buffer
	_, _ = io.Copy(&b, r)
	return b.Bytes()
}
