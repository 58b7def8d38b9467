package ota

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecunet/monitor/internal/config"
	"github.com/ecunet/monitor/internal/errs"
	"github.com/ecunet/monitor/pkg/routing"
)

type fakeAdvertiser struct {
	version    uint32
	advertised bool
	err        error
}

func (f *fakeAdvertiser) CheckUpdate(ecu config.ECU) (uint32, bool, error) {
	return f.version, f.advertised, f.err
}

// fakeFileStore doubles as both Downloader and FileReader: DownloadToSD
// "writes" a payload of the configured size, ReadFile hands it back.
type fakeFileStore struct {
	err         error
	payloadSize int
	data        []byte
}

func (f *fakeFileStore) DownloadToSD(topic, destPath string) error {
	if f.err != nil {
		return f.err
	}
	f.data = make([]byte, f.payloadSize)
	return nil
}

func (f *fakeFileStore) ReadFile(path string) ([]byte, error) {
	return f.data, nil
}

type fakeApplier struct {
	beginErr, writeErr, endErr, bootErr error
	written                             []byte
}

func (f *fakeApplier) Begin(ecu string, size int) error { return f.beginErr }
func (f *fakeApplier) Write(data []byte) error {
	f.written = data
	return f.writeErr
}
func (f *fakeApplier) End() error     { return f.endErr }
func (f *fakeApplier) SetBoot() error { return f.bootErr }

type fakeSender struct {
	mu    sync.Mutex
	sends [][]byte
	err   error
}

func (f *fakeSender) SendMessageSync(destID string, data []byte, mode routing.SendMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, append([]byte{}, data...))
	return nil
}

type fakeConfig struct {
	mu        sync.Mutex
	installed map[config.ECU]uint32
	topics    map[config.ECU]string
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{installed: map[config.ECU]uint32{}, topics: map[config.ECU]string{}}
}

func (f *fakeConfig) InstalledVersion(ecu config.ECU) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[ecu]
}

func (f *fakeConfig) SetInstalledVersion(ecu config.ECU, version uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[ecu] = version
	return nil
}

func (f *fakeConfig) MQTTTopic(ecu config.ECU) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[ecu]
}

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.events))
	for i, e := range l.events {
		out[i] = e.State
	}
	return out
}

func TestSegmentFirmwareSplitsIntoThreeChunks(t *testing.T) {
	buf := make([]byte, 2500)
	segs, err := SegmentFirmware(buf)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, Segment{Offset: 0, Length: 1024}, segs[0])
	assert.Equal(t, Segment{Offset: 1024, Length: 1024}, segs[1])
	assert.Equal(t, Segment{Offset: 2048, Length: 452}, segs[2])
}

func TestSegmentFirmwareRejectsEmptyBuffer(t *testing.T) {
	_, err := SegmentFirmware(nil)
	assert.Error(t, err)
}

func TestFullPipelineSucceeds(t *testing.T) {
	cfg := newFakeConfig()
	cfg.installed[config.ECUMonitor] = 1

	advertiser := &fakeAdvertiser{version: 2, advertised: true}
	store := &fakeFileStore{payloadSize: 2500}
	applier := &fakeApplier{}
	sender := &fakeSender{}

	o := New(advertiser, store, store, applier, sender, cfg)
	listener := &recordingListener{}
	o.RegisterCallback(listener)

	ok, err := o.CheckUpdate(config.ECUMonitor)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, o.DownloadFirmware(config.ECUMonitor))

	require.NoError(t, o.DistributeFirmware(config.ECUMonitor))
	assert.Len(t, sender.sends, 3)

	require.NoError(t, o.ApplyUpdate(config.ECUMonitor))

	assert.Equal(t, Idle, o.State())
	assert.EqualValues(t, 2, cfg.InstalledVersion(config.ECUMonitor))
	assert.Contains(t, listener.states(), Success)
}

func TestDownloadFirmwareRefusesWhileInProgress(t *testing.T) {
	cfg := newFakeConfig()
	advertiser := &fakeAdvertiser{version: 2, advertised: true}
	store := &fakeFileStore{}
	applier := &fakeApplier{}
	sender := &fakeSender{}

	o := New(advertiser, store, store, applier, sender, cfg)
	require.NoError(t, o.DownloadFirmware(config.ECUMonitor))

	err := o.DownloadFirmware(config.ECUMonitor)
	assert.ErrorIs(t, err, errs.ErrUpdateInProgress)
}

func TestDownloadFailureGoesToFailureThenIdleWithoutRollback(t *testing.T) {
	cfg := newFakeConfig()
	advertiser := &fakeAdvertiser{version: 2, advertised: true}
	store := &fakeFileStore{err: errors.New("mqtt timeout")}
	applier := &fakeApplier{}
	sender := &fakeSender{}

	o := New(advertiser, store, store, applier, sender, cfg)
	listener := &recordingListener{}
	o.RegisterCallback(listener)

	err := o.DownloadFirmware(config.ECUMonitor)
	assert.Error(t, err)
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, []State{Downloading, Failure, Idle}, listener.states())
}

// A distribute failure is retryable: the supervisor owns the retry policy
// and calls DistributeFirmware again against the same downloaded buffer, so
// a single failure must leave the buffer intact rather than rolling back.
func TestDistributeFailureIsRetryableThenRollsBackOnExhaustion(t *testing.T) {
	cfg := newFakeConfig()
	advertiser := &fakeAdvertiser{version: 2, advertised: true}
	store := &fakeFileStore{payloadSize: 2048}
	applier := &fakeApplier{}
	sender := &fakeSender{err: errors.New("no route")}

	o := New(advertiser, store, store, applier, sender, cfg)
	listener := &recordingListener{}
	o.RegisterCallback(listener)

	require.NoError(t, o.DownloadFirmware(config.ECUMonitor))
	err := o.DistributeFirmware(config.ECUMonitor)
	assert.Error(t, err)
	assert.Equal(t, Failure, o.State())

	// Retry with the same buffer still present: same error, still no
	// rollback, since only the supervisor decides when retries are
	// exhausted.
	err = o.DistributeFirmware(config.ECUMonitor)
	assert.Error(t, err)
	assert.Equal(t, Failure, o.State())
	assert.Equal(t, []State{Downloading, Distributing, Failure, Distributing, Failure}, listener.states())

	// Once the supervisor gives up, it rolls back explicitly.
	assert.True(t, o.RollbackUpdate(config.ECUMonitor))
	assert.Equal(t, Idle, o.State())

	err = o.DistributeFirmware(config.ECUMonitor)
	assert.ErrorIs(t, err, errs.ErrNullInput)
}

// An apply failure must not proceed on a nil buffer on retry, and must not
// persist the installed version until every step actually succeeds.
func TestApplyFailureIsRetryableAndKeepsInstalledVersionUntilSuccess(t *testing.T) {
	cfg := newFakeConfig()
	cfg.installed[config.ECUMonitor] = 1
	advertiser := &fakeAdvertiser{version: 2, advertised: true}
	store := &fakeFileStore{payloadSize: 512}
	applier := &fakeApplier{bootErr: errors.New("set_boot failed")}
	sender := &fakeSender{}

	o := New(advertiser, store, store, applier, sender, cfg)
	require.NoError(t, o.DownloadFirmware(config.ECUMonitor))
	require.NoError(t, o.DistributeFirmware(config.ECUMonitor))

	err := o.ApplyUpdate(config.ECUMonitor)
	assert.Error(t, err)
	assert.Equal(t, Failure, o.State())
	assert.EqualValues(t, 1, cfg.InstalledVersion(config.ECUMonitor))

	// Retry against the same buffer: still fails until the applier clears,
	// with no disguised success along the way.
	err = o.ApplyUpdate(config.ECUMonitor)
	assert.Error(t, err)
	assert.EqualValues(t, 1, cfg.InstalledVersion(config.ECUMonitor))

	applier.bootErr = nil
	require.NoError(t, o.ApplyUpdate(config.ECUMonitor))
	assert.Equal(t, Idle, o.State())
	assert.EqualValues(t, 2, cfg.InstalledVersion(config.ECUMonitor))

	// The successful apply freed the buffer, so a further attempt is
	// rejected rather than silently "succeeding" on nothing.
	err = o.ApplyUpdate(config.ECUMonitor)
	assert.ErrorIs(t, err, errs.ErrNullInput)
}

func TestSubscriberCapacityDropsOldest(t *testing.T) {
	cfg := newFakeConfig()
	store := &fakeFileStore{}
	o := New(&fakeAdvertiser{}, store, store, &fakeApplier{}, &fakeSender{}, cfg)

	var cancels []func()
	listeners := make([]*recordingListener, 0, 6)
	for i := 0; i < 6; i++ {
		l := &recordingListener{}
		listeners = append(listeners, l)
		cancels = append(cancels, o.RegisterCallback(l))
	}
	_ = cancels

	o.setState(Idle, config.ECUMonitor, nil)
	assert.Empty(t, listeners[0].events)
	assert.NotEmpty(t, listeners[5].events)
}
