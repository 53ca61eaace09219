package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/logfetcher/internal/events"
	"github.com/gluk-w/logfetcher/internal/logutil"
)

// integrityTimeout bounds the local gunzip --test run. Large archives on
// slow disks can legitimately take minutes.
const integrityTimeout = 600 * time.Second

// verifierRe extracts the re-read mtime from the verifier's output.
var verifierRe = regexp.MustCompile(`<(\d+)>`)

// task is one attempt to place one archive file on disk. It owns the data
// subprocess, the verifier subprocess, and the working file; it finishes
// only when both legs have reported.
type task struct {
	id          string
	engine      *Engine
	remotePath  string
	destination string
	workingPath string
	mtime       int64
}

func newTask(e *Engine, remotePath, destination string, mtime int64) *task {
	return &task{
		id:          uuid.NewString(),
		engine:      e,
		remotePath:  remotePath,
		destination: destination,
		workingPath: destination + ".working",
		mtime:       mtime,
	}
}

func (t *task) run() {
	n, dur, err := t.transfer()
	ok := err == nil
	t.engine.taskFinished(t, ok, n)

	e := t.engine
	if ok {
		secs := dur.Seconds()
		if secs <= 0 {
			secs = 0.001
		}
		slog.Info("archived",
			"host", e.host.Name,
			"source", logutil.Sanitize(t.remotePath),
			"destination", t.destination,
			"bytes", n,
			"bytesPerSec", int64(float64(n)/secs),
			"task", t.id)
		if e.recorder != nil {
			e.recorder.Record(e.host.Name, events.TypeTransferCompleted, t.destination)
		}
	} else {
		slog.Error("transfer failed",
			"host", e.host.Name,
			"source", logutil.Sanitize(t.remotePath),
			"destination", t.destination,
			"error", err,
			"task", t.id)
		if e.recorder != nil {
			e.recorder.Record(e.host.Name, events.TypeTransferFailed, err.Error())
		}
	}

	if e.sink != nil {
		rec := TransferRecord{
			TaskID:      t.id,
			Host:        e.host.Name,
			RemotePath:  t.remotePath,
			Destination: t.destination,
			Bytes:       n,
			Duration:    dur,
			OK:          ok,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		e.sink.RecordTransfer(rec)
	}
}

// transfer runs the full task: working file, data pump, integrity check,
// verifier barrier, atomic rename. On any failure after this task created
// the working file, the file is removed; a working file that already existed
// is left untouched. The destination is retried naturally on a later listing
// tick.
func (t *task) transfer() (int64, time.Duration, error) {
	if err := os.MkdirAll(filepath.Dir(t.destination), 0755); err != nil {
		return 0, 0, fmt.Errorf("create archive directory: %w", err)
	}

	f, err := os.OpenFile(t.workingPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return 0, 0, fmt.Errorf("transfer already in progress: %s exists", t.workingPath)
		}
		return 0, 0, fmt.Errorf("open working file: %w", err)
	}

	n, verifierCh, dur, firstErr := t.pump(f)

	if firstErr == nil {
		if err := f.Sync(); err != nil {
			firstErr = fmt.Errorf("sync working file: %w", err)
		}
	}
	if err := f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close working file: %w", err)
	}

	if firstErr == nil {
		firstErr = t.integrityCheck()
	}

	// Completion barrier: the verifier leg must report before the task
	// finishes, whatever the data leg did.
	if verifierCh != nil {
		if verr := <-verifierCh; verr != nil && firstErr == nil {
			firstErr = verr
		}
	}

	if firstErr != nil {
		os.Remove(t.workingPath)
		return n, dur, firstErr
	}

	if err := os.Rename(t.workingPath, t.destination); err != nil {
		os.Remove(t.workingPath)
		return n, dur, fmt.Errorf("rename into archive: %w", err)
	}
	return n, dur, nil
}

// pump streams the remote gzip output into the working file. The verifier
// subprocess is launched on the first received chunk; its result channel is
// returned (nil when no byte ever arrived). Each chunk resets the idle
// timer.
func (t *task) pump(f *os.File) (n int64, verifierCh chan error, dur time.Duration, err error) {
	argv := t.engine.buildCommandArgv(dataCommand(t.remotePath))
	cmd := exec.Command(argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, 0, fmt.Errorf("data stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return 0, nil, 0, fmt.Errorf("start data process: %w", err)
	}

	chunks := make(chan []byte)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			rn, rerr := stdout.Read(buf)
			if rn > 0 {
				chunk := make([]byte, rn)
				copy(chunk, buf[:rn])
				chunks <- chunk
			}
			if rerr != nil {
				close(chunks)
				return
			}
		}
	}()

	timeout := t.engine.timeoutDur()
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	var start time.Time
	var pumpErr error

loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if n == 0 {
				start = time.Now()
				verifierCh = t.startVerifier()
			}
			if _, werr := f.Write(chunk); werr != nil {
				pumpErr = fmt.Errorf("write working file: %w", werr)
				cmd.Process.Kill()
				for range chunks {
				}
				break loop
			}
			n += int64(len(chunk))
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(timeout)
		case <-idle.C:
			pumpErr = fmt.Errorf("data stream idle for %s", timeout)
			cmd.Process.Kill()
			for range chunks {
			}
			break loop
		}
	}

	waitErr := cmd.Wait()
	if !start.IsZero() {
		dur = time.Since(start)
	}

	if pumpErr != nil {
		return n, verifierCh, dur, pumpErr
	}
	if waitErr != nil {
		return n, verifierCh, dur, dataExitError(waitErr, stderr.String())
	}
	if n == 0 {
		return 0, verifierCh, dur, fmt.Errorf("data process produced no output: %s",
			logutil.Sanitize(logutil.Truncate(stderr.String(), 120)))
	}
	return n, verifierCh, dur, nil
}

// dataExitError decodes a data subprocess failure into a one-line cause.
func dataExitError(waitErr error, stderr string) error {
	detail := logutil.Sanitize(logutil.Truncate(stderr, 120))
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Errorf("data process killed by %s: %s", ws.Signal(), detail)
		}
		return fmt.Errorf("data process exited %d: %s", exitErr.ExitCode(), detail)
	}
	return fmt.Errorf("data process: %v: %s", waitErr, detail)
}

// startVerifier launches the mtime re-check in its own goroutine and
// returns the channel its verdict arrives on.
func (t *task) startVerifier() chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- t.verify()
	}()
	return ch
}

// verify re-reads the remote mtime and compares it with the value observed
// at listing time. A mismatch means the file rotated between listing and
// fetch; the archive would not correspond to the listed file.
func (t *task) verify() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.engine.timeoutDur())
	defer cancel()

	argv := t.engine.buildCommandArgv(verifierCommand(t.remotePath))
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if ctx.Err() != nil {
		return errors.New("verifier timed out")
	}
	if err != nil {
		return fmt.Errorf("verifier: %w", err)
	}

	m := verifierRe.FindSubmatch(out)
	if m == nil {
		return fmt.Errorf("verifier output unrecognized: %q", logutil.Sanitize(logutil.Truncate(string(out), 80)))
	}
	got, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return fmt.Errorf("verifier mtime: %w", err)
	}
	if got != t.mtime {
		return fmt.Errorf("remote mtime changed during transfer (listed %d, verified %d)", t.mtime, got)
	}
	return nil
}

// integrityCheck validates the compressed working file before it becomes
// visible in the archive.
func (t *task) integrityCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), integrityTimeout)
	defer cancel()

	argv := t.engine.localCommandArgv("gunzip", "--test", "--quiet", t.workingPath)
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if ctx.Err() != nil {
		return errors.New("integrity check timed out")
	}
	if err != nil {
		return fmt.Errorf("integrity check: %v: %s", err, logutil.Sanitize(logutil.Truncate(string(out), 120)))
	}
	return nil
}
