// Package upload implements the background upload engine: a deduplicating
// per-account queue of file transfers executed one at a time on a single
// worker, with progress routing, cancellation, and catalog reconciliation.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pocketcloud/pocketcloud/internal/account"
	"github.com/pocketcloud/pocketcloud/internal/events"
	"github.com/pocketcloud/pocketcloud/internal/forest"
	"github.com/pocketcloud/pocketcloud/internal/remote"
	"github.com/pocketcloud/pocketcloud/internal/store"
)

// ErrMalformedRequest is returned by Submit for requests that fail
// validation. The request is dropped; nothing is enqueued.
var ErrMalformedRequest = errors.New("upload: malformed request")

// RequestType selects the input shape of a request.
type RequestType string

const (
	// SingleFile expects exactly one local and one remote path.
	SingleFile RequestType = "single"
	// MultipleFiles expects equal-length path arrays; an empty batch is a
	// no-op.
	MultipleFiles RequestType = "multiple"
)

// Request is the control-surface form of an upload submission.
type Request struct {
	AccountName string
	Type        RequestType

	LocalPaths  []string
	RemotePaths []string
	// MimeTypes is optional; when present it must be parallel to the path
	// arrays. Empty entries fall back to extension lookup.
	MimeTypes []string

	ForceOverwrite bool
	IsInstant      bool
	LocalAction    LocalAction

	// CancelAll turns the request into a mass-cancel for AccountName.
	CancelAll bool
}

// Catalog hands out per-account store handles and the deferred-upload queue,
// and purges everything an account left behind. Implemented by store.DB.
type Catalog interface {
	ForAccount(accountName string) store.Store
	LaterQueue() store.LaterQueue
	RemoveAccountData(ctx context.Context, accountName string) error
}

// batch is the worker mailbox message: the keys inserted by one Submit call.
type batch struct {
	startID uint64
	keys    []forest.Key
}

const (
	defaultMailboxSize = 128
	// defaultInstantRoot is where instant uploads without an explicit
	// destination land.
	defaultInstantRoot = "/InstantUpload"
)

// Engine owns the upload queue and the single worker that drains it. The
// exported methods form the control surface and are safe to call from any
// goroutine; transfer execution, folder granting, and catalog writes all
// happen on the worker.
type Engine struct {
	accounts *account.Registry
	clients  *remote.Registry
	catalog  Catalog
	bus      *events.Bus

	queue     *forest.Forest[*Job]
	progress  *ProgressBus
	grantor   *Grantor
	publisher *Publisher

	mailbox     chan batch
	nextStartID atomic.Uint64
	outstanding atomic.Int64

	activeMu sync.Mutex
	active   *Job

	// Worker-owned handles, reused while the active account does not change.
	// Never touched outside the worker goroutine.
	workerAccount account.Account
	workerStore   store.Store
	workerClient  remote.Client

	syncRoot    string
	instantRoot string
	logger      zerolog.Logger

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     events.Subscription
}

// EngineOption is a functional option for configuring the engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger for the engine and its collaborators.
func WithEngineLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSyncRoot sets the local directory that copy/move post-actions resolve
// against.
func WithSyncRoot(dir string) EngineOption {
	return func(e *Engine) {
		e.syncRoot = dir
	}
}

// WithInstantRoot sets the remote folder that instant uploads without an
// explicit destination are placed in.
func WithInstantRoot(dir string) EngineOption {
	return func(e *Engine) {
		e.instantRoot = dir
	}
}

// WithMailboxSize sets the worker mailbox capacity.
func WithMailboxSize(size int) EngineOption {
	return func(e *Engine) {
		e.mailbox = make(chan batch, size)
	}
}

// NewEngine creates an upload engine. Call Start to launch the worker.
func NewEngine(
	accounts *account.Registry,
	clients *remote.Registry,
	catalog Catalog,
	bus *events.Bus,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		accounts:    accounts,
		clients:     clients,
		catalog:     catalog,
		bus:         bus,
		queue:       forest.New[*Job](),
		mailbox:     make(chan batch, defaultMailboxSize),
		syncRoot:    os.TempDir(),
		instantRoot: defaultInstantRoot,
		logger:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.progress = NewProgressBus(WithProgressLogger(e.logger))
	e.grantor = NewGrantor(WithGrantorLogger(e.logger))
	e.publisher = NewPublisher(bus, clients, WithPublisherLogger(e.logger))

	return e
}

// Start launches the worker and the account-removal watcher.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.started {
		return errors.New("upload engine already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.sub = e.bus.Subscribe(events.AccountRemoved)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.watchAccounts(runCtx)
	}()

	e.logger.Info().Msg("upload engine started")
	return nil
}

// Stop cancels the worker and waits for it to exit. The active job, if any,
// is cancelled.
func (e *Engine) Stop() {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if !e.started {
		return
	}
	e.started = false

	if j := e.activeJob(); j != nil {
		j.Cancel()
	}
	e.cancel()
	e.bus.Unsubscribe(e.sub)
	e.wg.Wait()

	e.logger.Info().Msg("upload engine stopped")
}

// Submit validates a request, constructs one job per file, and enqueues every
// key not already queued. Duplicate keys are silently dropped. The whole
// batch is posted to the worker as one message so jobs start in insertion
// order.
func (e *Engine) Submit(req Request) error {
	if req.CancelAll {
		if req.AccountName == "" {
			return fmt.Errorf("%w: cancel_all requires an account", ErrMalformedRequest)
		}
		e.Cancel(req.AccountName)
		return nil
	}

	acct, err := e.validate(req)
	if err != nil {
		e.logger.Warn().Err(err).Str("account", req.AccountName).Msg("upload request rejected")
		return err
	}

	if len(req.LocalPaths) == 0 {
		return nil
	}

	chunked := ChunkedUploadSupported(e.serverVersion(acct))
	action := req.LocalAction
	if action == "" {
		action = ActionForget
	}

	keys := make([]forest.Key, 0, len(req.LocalPaths))
	for i, localPath := range req.LocalPaths {
		explicit := ""
		if len(req.MimeTypes) > 0 {
			explicit = req.MimeTypes[i]
		}
		mimeType := ResolveMimeType(localPath, explicit)
		remotePath := req.RemotePaths[i]
		if remotePath == "" {
			// Instant uploads without a destination land in the instant root.
			remotePath = path.Join(e.instantRoot, filepath.Base(localPath))
		}
		remotePath = PatchPDFPath(remotePath, mimeType, localPath)

		j := NewJob(JobParams{
			Account:        acct,
			LocalPath:      localPath,
			RemotePath:     remotePath,
			MimeType:       mimeType,
			Chunked:        chunked,
			IsInstant:      req.IsInstant,
			ForceOverwrite: req.ForceOverwrite,
			LocalAction:    action,
			SyncRoot:       e.syncRoot,
			Logger:         e.logger,
		})

		key, inserted := e.queue.PutIfAbsent(acct.Name, remotePath, j)
		if !inserted {
			e.logger.Debug().
				Str("account", acct.Name).
				Str("path", remotePath).
				Msg("duplicate upload dropped")
			continue
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil
	}

	b := batch{startID: e.nextStartID.Add(1), keys: keys}
	e.outstanding.Add(1)
	e.mailbox <- b

	e.logger.Debug().
		Uint64("start_id", b.startID).
		Int("files", len(keys)).
		Str("account", acct.Name).
		Msg("upload batch enqueued")
	return nil
}

// validate checks request shape and account existence.
func (e *Engine) validate(req Request) (account.Account, error) {
	var zero account.Account

	acct, ok := e.accounts.Get(req.AccountName)
	if !ok {
		return zero, fmt.Errorf("%w: unknown account %q", ErrMalformedRequest, req.AccountName)
	}

	switch req.Type {
	case SingleFile:
		if len(req.LocalPaths) != 1 || len(req.RemotePaths) != 1 {
			return zero, fmt.Errorf("%w: single upload needs exactly one local and one remote path",
				ErrMalformedRequest)
		}
	case MultipleFiles:
		// An empty batch passes validation; Submit treats it as a no-op.
		if len(req.LocalPaths) != len(req.RemotePaths) {
			return zero, fmt.Errorf("%w: local and remote path counts differ (%d vs %d)",
				ErrMalformedRequest, len(req.LocalPaths), len(req.RemotePaths))
		}
	default:
		return zero, fmt.Errorf("%w: unknown upload type %q", ErrMalformedRequest, req.Type)
	}

	if len(req.MimeTypes) > 0 && len(req.MimeTypes) != len(req.LocalPaths) {
		return zero, fmt.Errorf("%w: mime type count differs from path count", ErrMalformedRequest)
	}
	if req.LocalAction != "" && !req.LocalAction.valid() {
		return zero, fmt.Errorf("%w: unknown local action %q", ErrMalformedRequest, req.LocalAction)
	}

	// Only instant uploads may omit the destination; it is derived from the
	// instant root then.
	if !req.IsInstant {
		for _, p := range req.RemotePaths {
			if p == "" {
				return zero, fmt.Errorf("%w: empty remote path", ErrMalformedRequest)
			}
		}
	}

	return acct, nil
}

// serverVersion resolves the account's server version, preferring the
// capabilities cached in the catalog over the registry's static value.
func (e *Engine) serverVersion(acct account.Account) string {
	caps, err := e.catalog.ForAccount(acct.Name).Capabilities(context.Background())
	if err == nil && caps.ServerVersion != "" {
		return caps.ServerVersion
	}
	return acct.ServerVersion
}

// Cancel cancels the active job if it belongs to the account and drops every
// queued job for it. Dropped jobs emit no events.
func (e *Engine) Cancel(accountName string) {
	if j := e.activeJob(); j != nil && j.Account().Name == accountName {
		j.Cancel()
	}

	dropped := e.queue.Remove(accountName)
	for _, j := range dropped {
		j.Cancel()
	}

	if len(dropped) > 0 {
		e.logger.Info().
			Str("account", accountName).
			Int("dropped", len(dropped)).
			Msg("queued uploads cancelled")
	}
}

// CancelPath removes the queued job at (accountName, remotePath) if present.
// When the active job matches the path, or is a descendant of it, the active
// job is cancelled too. The descendant match requires a path-separator
// boundary, so cancelling "/foo" never touches "/foobar".
func (e *Engine) CancelPath(accountName, remotePath string) {
	if j, _, ok := e.queue.RemovePayload(accountName, remotePath); ok {
		j.Cancel()
		e.logger.Debug().
			Str("account", accountName).
			Str("path", remotePath).
			Msg("queued upload cancelled")
	}

	j := e.activeJob()
	if j == nil || j.Account().Name != accountName {
		return
	}

	activePath := j.OriginalRemotePath()
	folderPrefix := strings.TrimSuffix(remotePath, forest.PathSeparator) + forest.PathSeparator
	if activePath == remotePath || strings.HasPrefix(activePath, folderPrefix) {
		j.Cancel()
	}
}

// IsPending reports whether the path itself is queued or executing, or any
// descendant of it is. Folders are pending while any file below them is.
func (e *Engine) IsPending(accountName, remotePath string) bool {
	return e.queue.Contains(accountName, remotePath)
}

// BindProgressListener routes the transfer progress of (accountName,
// remotePath) to the listener, replacing any previous one for that key.
func (e *Engine) BindProgressListener(accountName, remotePath string, l ProgressListener) {
	e.progress.Bind(accountName, remotePath, l)
}

// UnbindProgressListener removes the binding if l is the bound listener.
func (e *Engine) UnbindProgressListener(accountName, remotePath string, l ProgressListener) {
	e.progress.Unbind(accountName, remotePath, l)
}

// Pending returns the queued jobs in insertion order, the active one
// included.
func (e *Engine) Pending() []*Job {
	return e.queue.All()
}

// activeJob returns the job currently executing, if any.
func (e *Engine) activeJob() *Job {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.active
}

func (e *Engine) setActive(j *Job) {
	e.activeMu.Lock()
	e.active = j
	e.activeMu.Unlock()
}

// run is the worker loop. One batch at a time, one job at a time.
func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-e.mailbox:
			e.processBatch(ctx, b)

			if e.outstanding.Add(-1) == 0 && e.queue.Size() == 0 {
				e.bus.Publish(events.Event{
					Type: events.QueueIdle,
					Data: map[string]any{"start_id": b.startID},
				})
			}
		}
	}
}

// processBatch executes every still-queued job of one Submit call.
func (e *Engine) processBatch(ctx context.Context, b batch) {
	for _, key := range b.keys {
		if ctx.Err() != nil {
			return
		}

		j, ok := e.queue.Get(key)
		if !ok {
			// Cancelled while queued.
			continue
		}

		acct, ok := e.accounts.Get(j.Account().Name)
		if !ok {
			e.queue.RemovePayload(key.Account, key.Path)
			e.logger.Debug().
				Str("account", key.Account).
				Str("path", key.Path).
				Msg("dropping upload for removed account")
			continue
		}

		e.executeJob(ctx, j, acct)
	}
}

// executeJob runs one job through grant, transfer, reconcile, unlink, and
// the finish broadcast. Failures never unwind past this function.
func (e *Engine) executeJob(ctx context.Context, j *Job, acct account.Account) {
	e.setActive(j)
	defer e.setActive(nil)

	e.bus.Publish(events.Event{
		Type:    events.UploadStarted,
		Subject: j.File(),
		Data: map[string]any{
			"account_name": acct.Name,
			"remote_path":  j.RemotePath(),
			"local_path":   j.OriginalLocalPath(),
		},
	})

	forwarder := &progressForwarder{engine: e, accountName: acct.Name}
	j.AddProgressListener(forwarder)
	defer j.RemoveProgressListener(forwarder)

	result := e.transfer(ctx, j, acct)

	switch result.Code {
	case ResultOK:
		if err := e.publisher.SaveUploaded(ctx, j, e.workerStore, e.workerClient); err != nil {
			e.logger.Error().
				Err(err).
				Str("account", acct.Name).
				Str("path", j.RemotePath()).
				Msg("persisting uploaded entry failed")
		}
		e.publisher.ClearDeferred(ctx, j, e.catalog.LaterQueue())
	case ResultSyncConflict:
		e.publisher.SaveConflict(ctx, j, e.workerStore, e.workerClient)
	case ResultUnauthorized:
		e.publisher.HandleCredentialExpiry(j)
		// Force a handle rebuild on the next job; the cached client is gone.
		e.workerAccount = account.Account{}
		e.workerClient = nil
	case ResultQuotaExceeded:
		msg := ""
		if result.Err != nil {
			msg = result.Err.Error()
		}
		e.publisher.HandleQuotaExceeded(ctx, j, e.catalog.LaterQueue(), msg)
	}

	unlinkPath := j.RemotePath()
	if j.WasRenamed() {
		unlinkPath = j.OldFile().RemotePath
	}
	_, unlinkedFrom, _ := e.queue.RemovePayload(acct.Name, unlinkPath)

	e.publisher.PublishFinished(j, result, unlinkedFrom)

	e.logger.Info().
		Str("account", acct.Name).
		Str("path", j.RemotePath()).
		Str("result", string(result.Code)).
		Msg("upload finished")
}

// transfer refreshes the worker handles, grants the parent folder, and runs
// the job.
func (e *Engine) transfer(ctx context.Context, j *Job, acct account.Account) Result {
	if err := e.refreshHandles(acct); err != nil {
		return resultFromError(err)
	}

	parent := parentOf(j.RemotePath())
	parentEntry, err := e.grantor.Grant(
		ctx, e.workerClient, e.workerStore,
		acct.Name, parent, j.IsRemoteFolderToBeCreated(),
	)
	if err != nil {
		if j.Cancelled() || ctx.Err() != nil {
			return Result{Code: ResultCancelled, Err: context.Canceled}
		}
		e.logger.Warn().
			Err(err).
			Str("account", acct.Name).
			Str("path", parent).
			Msg("parent folder not granted")
		return resultFromError(err)
	}
	j.File().ParentID = parentEntry.ID

	return j.Execute(ctx, e.workerClient)
}

// refreshHandles rebuilds the worker's store and client handles when the
// active account changed since the previous job. Accounts are compared by
// name; a credential refresh of the same account keeps the handles.
func (e *Engine) refreshHandles(acct account.Account) error {
	if e.workerAccount.SameAs(acct) && e.workerClient != nil {
		return nil
	}

	client, err := e.clients.ClientFor(acct)
	if err != nil {
		return err
	}

	e.workerStore = e.catalog.ForAccount(acct.Name)
	e.workerClient = client
	e.workerAccount = acct
	return nil
}

// watchAccounts reacts to accounts removed from the registry: everything
// queued for them is cancelled, their cached client is dropped, and their
// catalog data is purged.
func (e *Engine) watchAccounts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.sub:
			if !ok {
				return
			}
			name, _ := ev.Data["account_name"].(string)
			if name == "" {
				continue
			}
			e.Cancel(name)
			e.clients.Flush(name)
			if err := e.catalog.RemoveAccountData(ctx, name); err != nil {
				e.logger.Error().
					Err(err).
					Str("account", name).
					Msg("purging account data failed")
			}
		}
	}
}

// progressForwarder fans job progress into the progress bus and the event
// bus.
type progressForwarder struct {
	engine      *Engine
	accountName string
}

func (f *progressForwarder) OnTransferProgress(bytesChunk, bytesSoFar, totalBytes int64, remotePath string) {
	f.engine.progress.Dispatch(f.accountName, remotePath, bytesChunk, bytesSoFar, totalBytes)

	percent := 0.0
	if totalBytes > 0 {
		percent = float64(bytesSoFar) / float64(totalBytes) * 100
	}
	f.engine.bus.Publish(events.Event{
		Type: events.UploadProgress,
		Data: map[string]any{
			"account_name": f.accountName,
			"remote_path":  remotePath,
			"bytes_chunk":  bytesChunk,
			"bytes_so_far": bytesSoFar,
			"total_bytes":  totalBytes,
			"percent":      percent,
		},
	})
}

// parentOf returns the parent directory of a normalized remote path.
func parentOf(remotePath string) string {
	remotePath = strings.TrimSuffix(remotePath, forest.PathSeparator)
	idx := strings.LastIndex(remotePath, forest.PathSeparator)
	if idx <= 0 {
		return forest.PathSeparator
	}
	return remotePath[:idx]
}
