package ota

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/gsmota/internal/engine"
	"github.com/tanq16/gsmota/internal/otatest"
	"github.com/tanq16/gsmota/internal/utils"
)

type fakeChecker struct {
	desc      utils.UpdateDescriptor
	available bool
	err       error
	forced    []bool
}

func (f *fakeChecker) Check(_ context.Context, force bool) (utils.UpdateDescriptor, bool, error) {
	f.forced = append(f.forced, force)
	return f.desc, f.available || force, f.err
}

type fakeInstaller struct {
	got     []utils.UpdateDescriptor
	err     error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeInstaller) Run(_ context.Context, desc utils.UpdateDescriptor) (engine.Result, error) {
	f.got = append(f.got, desc)
	if f.started != nil {
		close(f.started)
		<-f.block
	}
	if f.err != nil {
		return engine.Result{State: engine.Failed}, f.err
	}
	return engine.Result{State: engine.Succeeded}, nil
}

var candidate = utils.UpdateDescriptor{
	Identity: utils.FirmwareIdentity{Type: "gsm-node", Version: 8},
	Host:     "fw.example",
	Port:     80,
	Path:     "/fw.bin",
}

func TestPerformUpdate_NeedsCandidate(t *testing.T) {
	u := New(&fakeChecker{}, &fakeInstaller{})
	_, err := u.PerformUpdate(context.Background())
	require.ErrorIs(t, err, ErrNoCandidate)

	_, available, err := u.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.False(t, available)
	_, err = u.PerformUpdate(context.Background())
	require.ErrorIs(t, err, ErrNoCandidate)
}

func TestPerformUpdate_UsesLastCheck(t *testing.T) {
	inst := &fakeInstaller{}
	u := New(&fakeChecker{desc: candidate, available: true}, inst)

	_, available, err := u.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, available)

	res, err := u.PerformUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.Succeeded, res.State)
	assert.Equal(t, []utils.UpdateDescriptor{candidate}, inst.got)

	_, err = u.PerformUpdate(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidate, "installed candidate is consumed")
}

func TestPerformUpdate_FailureKeepsCandidate(t *testing.T) {
	inst := &fakeInstaller{err: utils.Fail(utils.KindConnect, nil, "refused")}
	u := New(&fakeChecker{desc: candidate, available: true}, inst)
	_, _, err := u.CheckForUpdate(context.Background())
	require.NoError(t, err)

	_, err = u.PerformUpdate(context.Background())
	require.ErrorIs(t, err, utils.ErrConnect)
	_, err = u.PerformUpdate(context.Background())
	require.ErrorIs(t, err, utils.ErrConnect)
	assert.Len(t, inst.got, 2)
}

func TestForceUpdate_SkipsChecker(t *testing.T) {
	checker := &fakeChecker{}
	inst := &fakeInstaller{}
	u := New(checker, inst)

	_, err := u.ForceUpdate(context.Background(), "fw.example", 0, "/rescue.bin", "abcd")
	require.NoError(t, err)
	assert.Empty(t, checker.forced)
	require.Len(t, inst.got, 1)
	assert.Equal(t, utils.UpdateDescriptor{Host: "fw.example", Port: 80, Path: "/rescue.bin", Checksum: "abcd"}, inst.got[0])
}

func TestCheckAndInstall(t *testing.T) {
	checker := &fakeChecker{desc: candidate}
	inst := &fakeInstaller{}
	u := New(checker, inst)

	_, installed, err := u.CheckAndInstall(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Empty(t, inst.got)

	_, installed, err = u.CheckAndInstall(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, []bool{false, true}, checker.forced)
}

func TestCheckAndInstall_CheckError(t *testing.T) {
	u := New(&fakeChecker{err: utils.Fail(utils.KindParse, nil, "bad json")}, &fakeInstaller{})
	_, installed, err := u.CheckAndInstall(context.Background(), false)
	require.ErrorIs(t, err, utils.ErrParse)
	assert.False(t, installed)
}

func TestSessionsAreSerialized(t *testing.T) {
	inst := &fakeInstaller{started: make(chan struct{}), block: make(chan struct{})}
	u := New(&fakeChecker{}, inst)

	done := make(chan error, 1)
	go func() {
		_, err := u.ForceUpdate(context.Background(), "fw.example", 80, "/fw.bin", "")
		done <- err
	}()
	<-inst.started

	_, err := u.ForceUpdate(context.Background(), "fw.example", 80, "/fw.bin", "")
	assert.ErrorIs(t, err, ErrSessionInProgress)
	_, _, err = u.CheckForUpdate(context.Background())
	assert.ErrorIs(t, err, ErrSessionInProgress)

	close(inst.block)
	require.NoError(t, <-done)
}

func TestCommandRebooter(t *testing.T) {
	assert.NoError(t, CommandRebooter{Command: []string{"true"}}.RequestReboot())
	assert.Error(t, CommandRebooter{Command: []string{"false"}}.RequestReboot())
	assert.Error(t, CommandRebooter{}.RequestReboot())
	assert.NoError(t, LogRebooter{}.RequestReboot())
}

func TestBuild_EndToEnd(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image)
	body := fmt.Sprintf(`{"type":"gsm-node","version":8,"host":"%s","port":%d,"bin":"%s","checksum":"%s"}`,
		srv.Host, srv.Port, otatest.ImagePath, otatest.MD5(image))
	require.LessOrEqual(t, len(body), utils.MaxManifestSize)
	srv.SetManifest([]byte(body))

	dir := t.TempDir()
	cfg := utils.DefaultConfig()
	cfg.Firmware = utils.FirmwareConfig{Type: "gsm-node", Version: 7}
	cfg.Manifest.Host = srv.Host
	cfg.Manifest.Port = srv.Port
	cfg.Manifest.Path = otatest.ManifestPath
	cfg.Download.Timeout = 2 * time.Second
	cfg.Download.RetryInterval = 10 * time.Millisecond
	cfg.Download.ChunkYield = 0
	cfg.Download.ReconnectPause = 0
	cfg.Sink.Path = filepath.Join(dir, "fw.bin")

	var states []engine.State
	obs := stateRecorder(func(s engine.State) { states = append(states, s) })
	stack, err := Build(context.Background(), cfg, obs)
	require.NoError(t, err)
	defer stack.Close()

	res, installed, err := stack.CheckAndInstall(context.Background(), false)
	require.NoError(t, err)
	require.True(t, installed)
	assert.True(t, res.Rebooted)
	assert.Equal(t, otatest.MD5(image), res.Digest)

	got, err := os.ReadFile(cfg.Sink.Path)
	require.NoError(t, err)
	assert.Equal(t, image, got)
	assert.Equal(t, engine.Succeeded, states[len(states)-1])
	assert.Len(t, srv.ImageGets(), 3)
}

type stateRecorder func(engine.State)

func (f stateRecorder) OnProgress(int64, int64)         {}
func (f stateRecorder) OnState(s engine.State, _ error) { f(s) }
