package fetcher

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/logfetcher/internal/config"
)

// testClock is an injectable clock for the stall watchdog.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// writeGzipFile writes content as a gzip file and returns its path.
func writeGzipFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create payload: %v", err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close payload: %v", err)
	}
	return path
}

func testGeneral() config.General {
	return config.General{
		LogCheckInterval:  1,
		StatusLogInterval: 60,
		Timeout:           2,
		TransferTaskLimit: 20,
		LogLevel:          "debug",
	}
}

func testHost(destTemplate string) config.Host {
	return config.Host{
		Name:       "testhost",
		SSHConnect: []string{"fetch@testhost"},
		LogFiles: []config.LogFileSpec{
			{GlobPattern: "/var/log/x", DestinationFile: destTemplate},
		},
	}
}

// fakeRemote wires an engine's seams to local subprocesses: the control
// channel is a shell that answers every listing command with the given
// records, the data command cats a local gzip file, and the verifier echoes
// a fixed mtime.
func fakeRemote(e *Engine, records string, gzPath string, verifyMTime int64, dataCalls *atomic.Int64) {
	// Re-emit the record set for every listing line read, like a remote
	// stat re-run on each tick.
	script := fmt.Sprintf("while read line; do printf %%s %s; done", shellQuote(records))
	e.buildControlArgv = func() []string {
		return []string{"sh", "-c", script}
	}
	e.buildCommandArgv = func(remoteCmd string) []string {
		if strings.HasPrefix(remoteCmd, "stat ") {
			return []string{"sh", "-c", fmt.Sprintf("echo '<%d>'", verifyMTime)}
		}
		if dataCalls != nil {
			dataCalls.Add(1)
		}
		return []string{"cat", gzPath}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestColdStartSingleFile(t *testing.T) {
	archive := t.TempDir()
	gz := writeGzipFile(t, "november log data\n")
	const mtime = 1_700_000_000
	year := time.Unix(mtime, 0).Format("2006")

	e := New(testHost(filepath.Join(archive, "%Y", "x.gz")), testGeneral(), nil, nil)
	fakeRemote(e, fmt.Sprintf("<LOG_FILE><0><%d></var/log/x><NL>", mtime), gz, mtime, nil)

	e.Tick()
	defer e.Shutdown()

	dest := filepath.Join(archive, year, "x.gz")
	waitFor(t, "archive file", func() bool {
		_, err := os.Stat(dest)
		return err == nil
	})
	waitFor(t, "task drain", func() bool { return e.ActiveTransfers() == 0 })

	if _, err := os.Stat(dest + ".working"); !os.IsNotExist(err) {
		t.Error("working file must not survive a completed task")
	}

	stats := e.SnapshotStats()
	if stats.FilesChecked < 1 {
		t.Errorf("filesChecked = %d, want >= 1", stats.FilesChecked)
	}
	if stats.FilesTransfered != 1 {
		t.Errorf("filesTransfered = %d, want 1", stats.FilesTransfered)
	}
	if stats.BytesTransfered <= 0 {
		t.Errorf("bytesTransfered = %d, want > 0", stats.BytesTransfered)
	}

	// Idempotence: the same listing on a later tick transfers nothing new.
	e.Tick()
	waitFor(t, "second listing", func() bool { return e.SnapshotStats().FilesChecked >= 2 })
	if got := e.SnapshotStats().FilesTransfered; got != 1 {
		t.Errorf("re-listing an archived file transferred again: %d", got)
	}
}

func TestSkipExistingDestination(t *testing.T) {
	archive := t.TempDir()
	const mtime = 1_700_000_000
	year := time.Unix(mtime, 0).Format("2006")
	dest := filepath.Join(archive, year, "x.gz")
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("already here"), 0644); err != nil {
		t.Fatal(err)
	}

	var dataCalls atomic.Int64
	e := New(testHost(filepath.Join(archive, "%Y", "x.gz")), testGeneral(), nil, nil)
	fakeRemote(e, fmt.Sprintf("<LOG_FILE><0><%d></var/log/x><NL>", mtime), "", mtime, &dataCalls)

	e.Tick()
	defer e.Shutdown()

	waitFor(t, "record processed", func() bool { return e.SnapshotStats().FilesChecked >= 1 })

	if got := dataCalls.Load(); got != 0 {
		t.Errorf("transfer subprocess launched for existing destination (%d calls)", got)
	}
	if got := e.SnapshotStats().FilesTransfered; got != 0 {
		t.Errorf("filesTransfered = %d, want 0", got)
	}
}

func TestMTimeRaceFailsTask(t *testing.T) {
	archive := t.TempDir()
	gz := writeGzipFile(t, "rotated away\n")
	const listed = 1_700_000_000
	year := time.Unix(listed, 0).Format("2006")

	e := New(testHost(filepath.Join(archive, "%Y", "x.gz")), testGeneral(), nil, nil)
	// Verifier sees the file five seconds newer than the listing did.
	fakeRemote(e, fmt.Sprintf("<LOG_FILE><0><%d></var/log/x><NL>", listed), gz, listed+5, nil)

	e.Tick()
	defer e.Shutdown()

	waitFor(t, "task spawn", func() bool { return e.SnapshotStats().FilesChecked >= 1 })
	waitFor(t, "task drain", func() bool { return e.ActiveTransfers() == 0 })

	dest := filepath.Join(archive, year, "x.gz")
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("archive file must not exist after mtime mismatch")
	}
	if _, err := os.Stat(dest + ".working"); !os.IsNotExist(err) {
		t.Error("working file must be unlinked after failure")
	}
	if got := e.SnapshotStats().FilesTransfered; got != 0 {
		t.Errorf("filesTransfered = %d, want 0", got)
	}
}

func TestTransferTaskLimit(t *testing.T) {
	archive := t.TempDir()
	gz := writeGzipFile(t, "bounded\n")
	const mtime = 1_700_000_000

	general := testGeneral()
	general.TransferTaskLimit = 2

	host := config.Host{
		Name:       "testhost",
		SSHConnect: []string{"fetch@testhost"},
		LogFiles: []config.LogFileSpec{
			{GlobPattern: "/var/log/*", DestinationFile: filepath.Join(archive, "${RXMATCH_1}.gz")},
		},
	}
	host.LogFiles[0].FilterRegexp = `([^/]+)$`
	host.LogFiles[0].Filter = mustCompile(t, host.LogFiles[0].FilterRegexp)

	var records strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&records, "<LOG_FILE><0><%d></var/log/file%d><NL>", mtime, i)
	}

	e := New(host, general, nil, nil)
	e.buildControlArgv = func() []string {
		script := fmt.Sprintf("while read line; do printf %%s %s; done", shellQuote(records.String()))
		return []string{"sh", "-c", script}
	}
	var peak atomic.Int64
	e.buildCommandArgv = func(remoteCmd string) []string {
		if strings.HasPrefix(remoteCmd, "stat ") {
			return []string{"sh", "-c", fmt.Sprintf("echo '<%d>'", mtime)}
		}
		// Slow the data stream so concurrency is observable.
		return []string{"sh", "-c", fmt.Sprintf("sleep 0.2; cat %s", shellQuote(gz))}
	}

	defer e.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			e.Tick()
			if n := int64(e.ActiveTransfers()); n > peak.Load() {
				peak.Store(n)
			}
			if e.SnapshotStats().FilesTransfered == 5 {
				return
			}
			time.Sleep(30 * time.Millisecond)
		}
	}()
	<-done

	if got := e.SnapshotStats().FilesTransfered; got != 5 {
		t.Fatalf("filesTransfered = %d, want 5", got)
	}
	if peak.Load() > 2 {
		t.Errorf("active transfers peaked at %d, limit is 2", peak.Load())
	}
	if peak.Load() == 0 {
		t.Error("no concurrency observed")
	}
}

func mustCompile(t *testing.T, expr string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(expr)
	if err != nil {
		t.Fatalf("compile %q: %v", expr, err)
	}
	return re
}

func TestStallWatchdog(t *testing.T) {
	clock := newTestClock()
	general := testGeneral()

	e := New(testHost(filepath.Join(t.TempDir(), "%Y", "x.gz")), general, nil, nil)
	e.nowFn = clock.Now
	// A channel that never answers: reads commands forever, emits nothing.
	e.buildControlArgv = func() []string {
		return []string{"sh", "-c", "while read line; do :; done"}
	}

	e.Tick()
	defer e.Shutdown()
	if !e.ChannelUp() {
		t.Fatal("first tick should create a channel")
	}

	// Still inside the grace period: channel survives.
	clock.Advance(time.Duration(general.Timeout) * time.Second)
	e.Tick()
	if !e.ChannelUp() {
		t.Fatal("channel killed before the stall deadline")
	}

	// Past timeout + logCheckInterval: the watchdog kills it.
	clock.Advance(time.Duration(general.LogCheckInterval+1) * time.Second)
	e.Tick()
	if e.ChannelUp() {
		t.Fatal("stalled channel not killed")
	}

	// The next tick rebuilds a fresh channel.
	e.Tick()
	if !e.ChannelUp() {
		t.Fatal("no fresh channel after stall recovery")
	}
}

func TestChannelCloseClearsEngine(t *testing.T) {
	e := New(testHost(filepath.Join(t.TempDir(), "%Y", "x.gz")), testGeneral(), nil, nil)
	e.buildControlArgv = func() []string {
		return []string{"sh", "-c", "exit 255"} // connect failure
	}

	e.Tick()
	waitFor(t, "channel close", func() bool { return !e.ChannelUp() })

	// Tick recreates; the engine never wedges on a dying channel.
	e.Tick()
	waitFor(t, "channel close again", func() bool { return !e.ChannelUp() })
}

func TestFilteredRecordSkippedSilently(t *testing.T) {
	archive := t.TempDir()
	host := testHost(filepath.Join(archive, "x.gz"))
	host.LogFiles[0].Filter = mustCompile(t, `\.log\.\d+$`)

	var dataCalls atomic.Int64
	e := New(host, testGeneral(), nil, nil)
	fakeRemote(e, "<LOG_FILE><0><1700000000></var/log/README><NL>", "", 0, &dataCalls)

	e.Tick()
	defer e.Shutdown()

	// Give the record time to arrive; it must not count or transfer.
	time.Sleep(300 * time.Millisecond)
	if got := e.SnapshotStats().FilesChecked; got != 0 {
		t.Errorf("filtered record counted: filesChecked = %d", got)
	}
	if dataCalls.Load() != 0 {
		t.Error("filtered record spawned a transfer")
	}
}

func TestFlushStatsResets(t *testing.T) {
	e := New(testHost("/tmp/x.gz"), testGeneral(), nil, nil)
	e.mu.Lock()
	e.stats = Stats{FilesChecked: 7, FilesTransfered: 2, BytesTransfered: 99}
	e.mu.Unlock()

	got := e.FlushStats()
	if got.FilesChecked != 7 || got.FilesTransfered != 2 || got.BytesTransfered != 99 {
		t.Errorf("flush returned %+v", got)
	}
	if after := e.SnapshotStats(); after != (Stats{}) {
		t.Errorf("counters not reset: %+v", after)
	}
}
