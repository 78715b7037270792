// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package publisher implements the periodic spool-directory scanner
// that uploads completed spool files to a remote collector over
// HTTPS, backing off exponentially on failure and resetting on
// success.
package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/codec"
	"github.com/openporch/deskmetrics/lib/scheduler"
	"github.com/openporch/deskmetrics/lib/spoolrecord"
)

// DefaultServerURL is the collector endpoint used when no override is
// configured.
const DefaultServerURL = "https://play.google.com/log?format=raw"

// DefaultPublishInterval is how often the spool directory is scanned
// absent backoff.
const DefaultPublishInterval = 10 * time.Minute

// maxBackoffDelay caps the exponentially increasing delay between
// publish attempts.
const maxBackoffDelay = 24 * time.Hour

// logSource identifies this client to the collector. It does not vary
// by deployment.
const logSource = "DESKTOP_ANALYTICS"

// Publisher periodically uploads spooled events.
type Publisher interface {
	// SetPublishInterval changes the base interval between scan
	// cycles and immediately reschedules the next cycle.
	SetPublishInterval(d time.Duration)

	// SetServerURL changes the collector endpoint used for future
	// uploads.
	SetServerURL(url string)

	// SetLogger replaces the logger used by future cycles.
	SetLogger(logger *slog.Logger)

	// Close stops scheduling further scan cycles. Close is
	// idempotent.
	Close() error
}

// Connection is the factory hook for building the HTTP request used
// to upload one LogRequest. Tests substitute a factory pointed at an
// httptest.Server; production uses [NewHTTPConnection].
type Connection func(ctx context.Context, serverURL string, body []byte) (*http.Response, error)

// NewHTTPConnection returns the default Connection, a thin wrapper
// over net/http.Client — there is no third-party HTTP client anywhere
// in this stack, matching the rest of this codebase's direct use of
// net/http for every outbound request.
func NewHTTPConnection(client *http.Client) Connection {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, serverURL string, body []byte) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return client.Do(req)
	}
}

// HTTPPublisher is the active, opted-in Publisher implementation.
type HTTPPublisher struct {
	spoolDir       string
	baseLogRequest spoolrecord.LogRequest
	clock          clock.Clock
	sched          *scheduler.Scheduler
	logger         *slog.Logger
	startTime      time.Time

	gate sync.Mutex

	serverURL       string
	connect         Connection
	publishInterval time.Duration
	publishJob      scheduler.Handle
	scheduleVersion int
	closed          bool

	bytesSentInLastPublish int64
	failedConnections      int64
	failedServerReplies    int64
	backoffRatio           int64
}

// Config carries the fixed parameters needed to construct an
// HTTPPublisher.
type Config struct {
	SpoolDir   string
	ClientInfo spoolrecord.ClientInfo
	Clock      clock.Clock
	Scheduler  *scheduler.Scheduler
	Logger     *slog.Logger
}

// New creates an HTTPPublisher and schedules its first scan after
// DefaultPublishInterval.
func New(cfg Config) *HTTPPublisher {
	p := &HTTPPublisher{
		spoolDir: cfg.SpoolDir,
		baseLogRequest: spoolrecord.LogRequest{
			ClientInfo: cfg.ClientInfo,
			LogSource:  logSource,
		},
		clock:           cfg.Clock,
		sched:           cfg.Scheduler,
		logger:          cfg.Logger,
		startTime:       cfg.Clock.Now(),
		serverURL:       DefaultServerURL,
		connect:         NewHTTPConnection(nil),
		publishInterval: DefaultPublishInterval,
		backoffRatio:    1,
	}

	p.schedulePublish(p.publishInterval)
	return p
}

// SetPublishInterval implements [Publisher].
func (p *HTTPPublisher) SetPublishInterval(d time.Duration) {
	p.gate.Lock()
	defer p.gate.Unlock()
	p.publishInterval = d
	p.schedulePublish(d)
}

// SetServerURL implements [Publisher].
func (p *HTTPPublisher) SetServerURL(url string) {
	p.gate.Lock()
	defer p.gate.Unlock()
	p.serverURL = url
}

// SetLogger implements [Publisher].
func (p *HTTPPublisher) SetLogger(logger *slog.Logger) {
	p.gate.Lock()
	defer p.gate.Unlock()
	p.logger = logger
}

// SetCreateConnection overrides how outbound HTTP requests are built
// and sent, letting hosts route through a proxy or tests substitute a
// fake server.
func (p *HTTPPublisher) SetCreateConnection(connect Connection) {
	p.gate.Lock()
	defer p.gate.Unlock()
	p.connect = connect
}

// schedulePublish cancels any pending scan and schedules the next one
// after delay, self-rescheduling on each run with exponential
// backoff. Caller must hold p.gate.
func (p *HTTPPublisher) schedulePublish(delay time.Duration) {
	p.publishJob.Cancel()
	p.scheduleVersion++
	version := p.scheduleVersion

	p.publishJob = p.sched.Schedule(func() {
		p.gate.Lock()
		defer p.gate.Unlock()

		if p.closed {
			return
		}

		p.publishQueuedAnalyticsLocked()

		if p.scheduleVersion == version {
			next := time.Duration(int64(p.publishInterval) * p.backoffRatio)
			if next > maxBackoffDelay {
				next = maxBackoffDelay
			}
			p.schedulePublish(next)
		}
	}, delay)
}

// publishQueuedAnalyticsLocked scans the spool directory for
// completed ".trk" files and uploads each in turn, stopping at the
// first hard failure so the remaining files get another chance on the
// next cycle. Caller must hold p.gate.
func (p *HTTPPublisher) publishQueuedAnalyticsLocked() {
	entries, err := os.ReadDir(p.spoolDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Error("failure reading analytics spool directory", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".trk" {
			continue
		}
		path := filepath.Join(p.spoolDir, entry.Name())
		if !p.tryPublishLocked(path) {
			return
		}
	}
}

// tryPublishLocked attempts to upload one spool file. It returns true
// when the cycle should continue to the next file — because the
// upload succeeded, the file was empty, the file is currently locked
// by another process (benign contention), or the file could not be
// opened or locked at all (logged and skipped) — and false on a
// parse, encoding, connection, or server error, which aborts the rest
// of this cycle. Caller must hold p.gate.
func (p *HTTPPublisher) tryPublishLocked(path string) bool {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		p.logger.Error("failure opening spool file", "path", path, "error", err)
		return true
	}

	if err := lockSpoolFile(file); err != nil {
		file.Close()
		if errors.Is(err, errLockContended) {
			// Another process (e.g. the tracker still writing it)
			// holds the lock. Skip for now, try again next cycle.
			return true
		}
		// Not contention: the filesystem failed or refused the lock.
		// Still skip the file, but say so — on a filesystem without
		// lock support these files would otherwise sit unpublished
		// with no diagnostic signal.
		p.logger.Error("failure locking spool file", "path", path, "error", err)
		return true
	}

	events, err := spoolrecord.ReadAllRecords(file)
	if err != nil {
		p.logger.Error("failure parsing spool file", "path", path, "error", err)
		releaseLock(file)
		return false
	}

	if len(events) == 0 {
		// Deletion only after the lock is released; some platforms
		// refuse to delete a file the caller still holds locked.
		releaseLock(file)
		os.Remove(path)
		return true
	}

	now := p.clock.Now()
	metaMetric := p.buildMetaMetric(now)
	request := p.baseLogRequest
	request.RequestTimeMs = now.UnixMilli()
	request.RequestUptimeMs = now.Sub(p.startTime).Milliseconds()
	request.LogEvents = append([]spoolrecord.LogEvent{metaMetric}, events...)

	success := p.trySendToServerLocked(request)
	releaseLock(file)
	if success {
		p.backoffRatio = 1
		p.failedConnections = 0
		p.failedServerReplies = 0
		os.Remove(path)
		return true
	}
	return false
}

// errLockContended reports benign writer contention on a spool file,
// as opposed to a filesystem that failed or refused to lock at all.
var errLockContended = errors.New("spool file is locked by another process")

// lockSpoolFile attempts a non-blocking exclusive lock on file. It
// returns errLockContended when another process already holds the
// lock and the underlying error for any other failure, so callers can
// tell "not lockable now" apart from "locking unsupported".
func lockSpoolFile(file *os.File) error {
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("lock spool file: %w", errLockContended)
		}
		return err
	}
	return nil
}

// releaseLock drops the exclusive lock on file and closes it.
func releaseLock(file *os.File) {
	unix.Flock(int(file.Fd()), unix.LOCK_UN)
	file.Close()
}

func (p *HTTPPublisher) buildMetaMetric(now time.Time) spoolrecord.LogEvent {
	payload, err := codec.Marshal(spoolrecord.MetaMetricPayload{
		BytesSentInLastUpload: p.bytesSentInLastPublish,
		FailedConnections:     p.failedConnections,
		FailedServerReplies:   p.failedServerReplies,
	})
	if err != nil {
		p.logger.Error("failure encoding meta metric", "error", err)
		payload = nil
	}
	return spoolrecord.LogEvent{EventTimeMs: now.UnixMilli(), Payload: payload}
}

// trySendToServerLocked uploads request and returns whether the
// server accepted it (2xx). Caller must hold p.gate.
func (p *HTTPPublisher) trySendToServerLocked(request spoolrecord.LogRequest) bool {
	body, err := codec.Marshal(request)
	if err != nil {
		p.logger.Error("failure encoding log request", "error", err)
		p.failedConnections++
		p.backoffRatio *= 2
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := p.connect(ctx, p.serverURL, body)
	if err != nil {
		p.logger.Error("failure publishing analytics, unable to connect to server", "error", err)
		p.failedConnections++
		p.backoffRatio *= 2
		return false
	}
	defer resp.Body.Close()

	p.bytesSentInLastPublish = int64(len(body))

	if !isSuccess(resp.StatusCode) {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.logger.Error("failure publishing metrics",
			"status_code", resp.StatusCode,
			"response_body", string(respBody),
		)
		p.failedServerReplies++
		p.backoffRatio *= 2
		return false
	}

	return true
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// Close implements [Publisher].
func (p *HTTPPublisher) Close() error {
	p.gate.Lock()
	defer p.gate.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.scheduleVersion++
	p.publishJob.Cancel()
	return nil
}

// NullPublisher uploads nothing. It is installed when the user has
// not opted in, or has set debugDisablePublishing.
type NullPublisher struct{}

// SetPublishInterval is a no-op.
func (NullPublisher) SetPublishInterval(time.Duration) {}

// SetServerURL is a no-op.
func (NullPublisher) SetServerURL(string) {}

// SetLogger is a no-op.
func (NullPublisher) SetLogger(*slog.Logger) {}

// Close is a no-op.
func (NullPublisher) Close() error { return nil }

var (
	_ Publisher = (*HTTPPublisher)(nil)
	_ Publisher = NullPublisher{}
)
