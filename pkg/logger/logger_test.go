package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu    sync.Mutex
	lines []string
	csv   [][]string
	json  interface{}
}

func (f *fakeStorage) WriteWithRotation(dir, prefix, line string, maxSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeStorage) WriteCSV(path string, rows [][]string) error {
	f.csv = rows
	return nil
}

func (f *fakeStorage) WriteJSON(path string, v interface{}) error {
	f.json = v
	return nil
}

type fakeNVStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeNVStore() *fakeNVStore { return &fakeNVStore{blobs: make(map[string][]byte)} }

func (f *fakeNVStore) SetBlob(namespace, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[namespace+"/"+key] = data
	return nil
}

func (f *fakeNVStore) GetBlob(namespace, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[namespace+"/"+key], nil
}

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMs() int64 {
	c.ms++
	return c.ms
}

func TestLevelGateDropsBelowCurrentLevel(t *testing.T) {
	l := New(&fakeStorage{}, newFakeNVStore(), &fakeClock{})
	require.NoError(t, l.Init())
	l.SetLevel(LevelWarning)

	l.Log(LevelInfo, "ignored")
	l.Log(LevelWarning, "kept")

	history := l.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, "kept", history[0].Message)
}

func TestAlertCallbackFiresOnlyForWarningAndAbove(t *testing.T) {
	l := New(&fakeStorage{}, newFakeNVStore(), &fakeClock{})
	require.NoError(t, l.Init())
	l.SetLevel(LevelDebug)

	var fired int
	l.RegisterAlertCallback(func(Entry) { fired++ })

	l.Log(LevelInfo, "info")
	l.Log(LevelWarning, "warn")
	l.Log(LevelCritical, "crit")

	assert.Equal(t, 2, fired)
}

func TestSaveCriticalToNVSRoundTrips(t *testing.T) {
	l := New(&fakeStorage{}, newFakeNVStore(), &fakeClock{})
	require.NoError(t, l.Init())
	l.SetLevel(LevelDebug)

	l.Log(LevelInfo, "info, not mirrored")
	l.Log(LevelCritical, "mirrored")

	require.NoError(t, l.SaveCriticalToNVS())

	restored, err := l.LoadCriticalFromNVS()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, "mirrored", restored[0].Message)
}

func TestSaveToSDWritesEveryEntry(t *testing.T) {
	storage := &fakeStorage{}
	l := New(storage, newFakeNVStore(), &fakeClock{})
	require.NoError(t, l.Init())
	l.SetLevel(LevelDebug)

	l.Log(LevelInfo, "one")
	l.Log(LevelInfo, "two")

	require.NoError(t, l.SaveToSD())
	assert.Len(t, storage.lines, 2)
}

func TestExportCSVAndJSON(t *testing.T) {
	storage := &fakeStorage{}
	l := New(storage, newFakeNVStore(), &fakeClock{})
	require.NoError(t, l.Init())
	l.SetLevel(LevelDebug)
	l.Log(LevelInfo, "hello")

	require.NoError(t, l.ExportCSV("out.csv"))
	assert.NotEmpty(t, storage.csv)

	require.NoError(t, l.ExportJSON("out.json"))
	assert.NotNil(t, storage.json)
}
