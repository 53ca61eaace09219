// Package fetcher implements the per-host fetch engine: the persistent
// listing channel, the transfer dispatcher, and the stall watchdog.
//
// One Engine exists per configured host. The scheduler calls Tick on the
// check interval; everything else is event-driven. Channel data chunks feed
// the listing parser, parsed records spawn transfer tasks, and task
// completions update the done set and the counters. All mutable engine
// state sits behind one mutex.
package fetcher

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gluk-w/logfetcher/internal/config"
	"github.com/gluk-w/logfetcher/internal/events"
	"github.com/gluk-w/logfetcher/internal/listing"
	"github.com/gluk-w/logfetcher/internal/logutil"
	"github.com/gluk-w/logfetcher/internal/sshchannel"
)

// Stats are the per-host counters flushed by the status reporter. Field
// spellings match the historical log format.
type Stats struct {
	FilesChecked    int64 `json:"filesChecked"`
	FilesTransfered int64 `json:"filesTransfered"`
	BytesTransfered int64 `json:"bytesTransfered"`
}

// TransferRecord describes one finished transfer for the journal.
type TransferRecord struct {
	TaskID      string
	Host        string
	RemotePath  string
	Destination string
	Bytes       int64
	Duration    time.Duration
	OK          bool
	Error       string
}

// TransferSink consumes TransferRecords. Implemented by journal.Journal;
// a nil sink disables journaling.
type TransferSink interface {
	RecordTransfer(TransferRecord)
}

// Engine supervises fetching for one host.
type Engine struct {
	host     config.Host
	general  config.General
	recorder *events.Recorder
	sink     TransferSink

	// Seams for tests: argv construction and the watchdog clock.
	buildControlArgv func() []string
	buildCommandArgv func(remoteCmd string) []string
	localCommandArgv func(name string, args ...string) []string
	nowFn            func() time.Time

	mu                  sync.Mutex
	control             *sshchannel.Channel
	parser              *listing.Parser
	lastListingActivity time.Time
	firstReadSample     []byte
	doneFiles           map[string]bool
	workingFiles        map[string]bool
	active              map[string]*task
	stats               Stats
}

// New creates an Engine for host. recorder and sink may be nil.
func New(host config.Host, general config.General, recorder *events.Recorder, sink TransferSink) *Engine {
	e := &Engine{
		host:         host,
		general:      general,
		recorder:     recorder,
		sink:         sink,
		doneFiles:    make(map[string]bool),
		workingFiles: make(map[string]bool),
		active:       make(map[string]*task),
		nowFn:        time.Now,
	}
	e.buildControlArgv = func() []string { return controlArgv(host.SSHConnect) }
	e.buildCommandArgv = func(remoteCmd string) []string { return commandArgv(host.SSHConnect, remoteCmd) }
	e.localCommandArgv = func(name string, args ...string) []string { return append([]string{name}, args...) }
	return e
}

// Host returns the engine's host name.
func (e *Engine) Host() string { return e.host.Name }

// timeoutDur is the per-chunk idle timeout of the transfer data stream and
// the overall deadline of each verifier subprocess.
func (e *Engine) timeoutDur() time.Duration {
	return time.Duration(e.general.Timeout) * time.Second
}

// stallAfter is how long the channel may stay silent before the watchdog
// kills it.
func (e *Engine) stallAfter() time.Duration {
	return time.Duration(e.general.Timeout+e.general.LogCheckInterval) * time.Second
}

// Tick ensures a control channel exists, services the stall watchdog, and
// writes one listing command per log file spec.
func (e *Engine) Tick() {
	e.mu.Lock()

	if e.control == nil {
		if err := e.startChannelLocked(); err != nil {
			e.mu.Unlock()
			slog.Error("control channel start failed", "host", e.host.Name, "error", err)
			return
		}
	} else if e.nowFn().Sub(e.lastListingActivity) > e.stallAfter() {
		e.killStalledLocked()
		e.mu.Unlock()
		return
	}

	ch := e.control
	e.mu.Unlock()

	for i, spec := range e.host.LogFiles {
		if err := ch.Write(listing.Command(i, spec.GlobPattern)); err != nil {
			slog.Warn("listing write failed", "host", e.host.Name, "spec", i, "error", err)
			return
		}
	}
}

// startChannelLocked launches a fresh control channel. Callers hold e.mu.
func (e *Engine) startChannelLocked() error {
	// The parser doubles as the channel generation token: callbacks race
	// Start's return, so they compare against e.parser rather than the
	// channel value assigned below.
	parser := &listing.Parser{}

	ev := sshchannel.Events{
		Data: func(chunk []byte) {
			e.onChannelData(parser, chunk)
		},
		Closed: func(exitCode int, signal string) {
			e.onChannelClosed(parser, exitCode, signal)
		},
	}

	ch, err := sshchannel.Start(e.buildControlArgv(), ev)
	if err != nil {
		return err
	}

	e.control = ch
	e.parser = parser
	// A fresh channel gets the full stall grace period.
	e.lastListingActivity = e.nowFn()
	e.firstReadSample = nil

	if e.recorder != nil {
		e.recorder.Record(e.host.Name, events.TypeChannelStarted, "")
	}
	slog.Debug("control channel started", "host", e.host.Name, "pid", ch.Pid())
	return nil
}

// killStalledLocked tears down a silent channel. Callers hold e.mu.
func (e *Engine) killStalledLocked() {
	sample := logutil.Sanitize(string(e.firstReadSample))
	slog.Error("control channel stalled, killing",
		"host", e.host.Name,
		"silentFor", e.nowFn().Sub(e.lastListingActivity).Round(time.Second).String(),
		"firstRead", sample)

	e.control.Kill()
	e.control = nil
	e.parser = nil

	if e.recorder != nil {
		e.recorder.Record(e.host.Name, events.TypeChannelStalled, sample)
	}
}

// onChannelData feeds a chunk into the parser and processes any complete
// records. Events from a discarded channel are ignored.
func (e *Engine) onChannelData(parser *listing.Parser, chunk []byte) {
	e.mu.Lock()
	if e.parser != parser {
		e.mu.Unlock()
		return
	}
	records := parser.Feed(chunk)
	e.firstReadSample = parser.FirstReadSample()
	if len(records) > 0 {
		e.lastListingActivity = e.nowFn()
	}
	e.mu.Unlock()

	for _, rec := range records {
		e.processRecord(rec)
	}
}

// onChannelClosed clears the engine's reference when the current channel
// terminates on its own.
func (e *Engine) onChannelClosed(parser *listing.Parser, exitCode int, signal string) {
	e.mu.Lock()
	current := e.parser == parser
	if current {
		e.control = nil
		e.parser = nil
	}
	e.mu.Unlock()

	if !current {
		// Already replaced (stall kill); the stall path logged it.
		return
	}
	slog.Warn("control channel closed", "host", e.host.Name, "exitCode", exitCode, "signal", signal)
	if e.recorder != nil {
		e.recorder.Record(e.host.Name, events.TypeChannelClosed, signal)
	}
}

// processRecord applies the filter, resolves the destination, and spawns a
// transfer task when the destination is missing and capacity allows.
func (e *Engine) processRecord(rec listing.Record) {
	if rec.SpecIndex < 0 || rec.SpecIndex >= len(e.host.LogFiles) {
		slog.Debug("record with unknown spec index", "host", e.host.Name, "spec", rec.SpecIndex)
		return
	}
	spec := e.host.LogFiles[rec.SpecIndex]

	var captures []string
	if spec.Filter != nil {
		captures = spec.Filter.FindStringSubmatch(rec.RemotePath)
		if captures == nil {
			return
		}
	}

	destination := listing.ResolveDestination(spec.DestinationFile, rec.MTime, captures)

	e.mu.Lock()
	e.stats.FilesChecked++

	if e.doneFiles[destination] || e.workingFiles[destination] {
		e.mu.Unlock()
		return
	}
	if _, err := os.Stat(destination); err == nil {
		// Archived by an earlier run; memoize so we skip the stat next time.
		e.doneFiles[destination] = true
		e.mu.Unlock()
		return
	}
	if e.general.TransferTaskLimit > 0 && len(e.active) >= e.general.TransferTaskLimit {
		// Reconsidered on the next tick's listing.
		e.mu.Unlock()
		return
	}

	t := newTask(e, rec.RemotePath, destination, rec.MTime)
	e.workingFiles[destination] = true
	e.active[destination] = t
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.Record(e.host.Name, events.TypeTransferStarted, rec.RemotePath)
	}
	go t.run()
}

// taskFinished releases the task's slots and applies its outcome to the
// engine state.
func (e *Engine) taskFinished(t *task, ok bool, bytes int64) {
	e.mu.Lock()
	delete(e.workingFiles, t.destination)
	delete(e.active, t.destination)
	if ok {
		e.doneFiles[t.destination] = true
		e.stats.FilesTransfered++
		e.stats.BytesTransfered += bytes
	}
	e.mu.Unlock()
}

// SnapshotStats returns the counters without resetting them.
func (e *Engine) SnapshotStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// FlushStats returns the counters and resets them to zero. Called by the
// status reporter.
func (e *Engine) FlushStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	e.stats = Stats{}
	return s
}

// ActiveTransfers returns the number of running transfer tasks.
func (e *Engine) ActiveTransfers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ChannelUp reports whether a control channel currently exists.
func (e *Engine) ChannelUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control != nil
}

// Shutdown kills the control channel. Transfer subprocesses die with the
// process; completed archives are safe either way.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ch := e.control
	e.control = nil
	e.parser = nil
	e.mu.Unlock()
	if ch != nil {
		ch.Kill()
	}
}
