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
	"github.com/pocketcloud/pocketcloud/internal/fileutil"
	"github.com/pocketcloud/pocketcloud/internal/remote"
	"github.com/pocketcloud/pocketcloud/internal/store"
)

// LocalAction selects what happens to the source file after a successful
// upload.
type LocalAction string

const (
	// ActionForget leaves the source file alone and records no storage path.
	ActionForget LocalAction = "forget"
	// ActionCopy copies the source file into the account's sync root.
	ActionCopy LocalAction = "copy"
	// ActionMove moves the source file into the account's sync root.
	ActionMove LocalAction = "move"
)

// valid reports whether the action is one of the known constants.
func (a LocalAction) valid() bool {
	switch a {
	case ActionForget, ActionCopy, ActionMove:
		return true
	}
	return false
}

// Job is the in-flight form of one file of an upload request. It is built by
// the engine, queued in the forest, and executed on the worker. Cancel may be
// called from any goroutine at any time.
type Job struct {
	acct account.Account
	file *store.Entry

	originalLocalPath  string
	originalRemotePath string
	mimeType           string
	size               int64

	chunked        bool
	isInstant      bool
	forceOverwrite bool
	localAction    LocalAction
	syncRoot       string

	// oldFile is set when the job renamed itself to avoid a conflict; the
	// engine unlinks the queue entry under the old path, not the new one.
	oldFile *store.Entry

	cancelled  atomic.Bool
	mu         sync.Mutex
	cancelExec context.CancelFunc
	listeners  []ProgressListener

	logger zerolog.Logger
}

// JobParams collects everything needed to construct a Job.
type JobParams struct {
	Account        account.Account
	LocalPath      string
	RemotePath     string
	MimeType       string
	Size           int64
	Chunked        bool
	IsInstant      bool
	ForceOverwrite bool
	LocalAction    LocalAction
	// SyncRoot is the local directory copy/move actions resolve against.
	SyncRoot string
	Logger   zerolog.Logger
}

// NewJob builds a job from validated parameters. Mime defaulting and path
// patching are the caller's responsibility.
func NewJob(p JobParams) *Job {
	return &Job{
		acct: p.Account,
		file: &store.Entry{
			AccountName: p.Account.Name,
			RemotePath:  p.RemotePath,
			MimeType:    p.MimeType,
			Length:      p.Size,
			StoragePath: p.LocalPath,
		},
		originalLocalPath:  p.LocalPath,
		originalRemotePath: p.RemotePath,
		mimeType:           p.MimeType,
		size:               p.Size,
		chunked:            p.Chunked,
		isInstant:          p.IsInstant,
		forceOverwrite:     p.ForceOverwrite,
		localAction:        p.LocalAction,
		syncRoot:           p.SyncRoot,
		logger:             p.Logger,
	}
}

// Account returns the owning account.
func (j *Job) Account() account.Account { return j.acct }

// File returns the entry under construction for this upload.
func (j *Job) File() *store.Entry { return j.file }

// RemotePath returns the current target path, after any rename.
func (j *Job) RemotePath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.RemotePath
}

// OriginalRemotePath returns the target path the job was enqueued under.
func (j *Job) OriginalRemotePath() string { return j.originalRemotePath }

// OriginalLocalPath returns the source path the job was enqueued with.
func (j *Job) OriginalLocalPath() string { return j.originalLocalPath }

// IsInstant reports whether the job came from automatic media sync.
func (j *Job) IsInstant() bool { return j.isInstant }

// IsRemoteFolderToBeCreated reports whether missing parent folders may be
// created for this job. Only instant uploads create folders.
func (j *Job) IsRemoteFolderToBeCreated() bool { return j.isInstant }

// WasRenamed reports whether the job renamed itself to avoid a conflict.
func (j *Job) WasRenamed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.oldFile != nil
}

// OldFile returns the pre-rename entry, or nil when no rename happened.
func (j *Job) OldFile() *store.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.oldFile
}

// Cancel requests cancellation. The flag is monotonic; an in-flight transfer
// observes it at the next chunk boundary.
func (j *Job) Cancel() {
	j.cancelled.Store(true)

	j.mu.Lock()
	cancel := j.cancelExec
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// AddProgressListener registers a listener for this job's transfer progress.
// Every listener receives every event until removed or until the job ends.
func (j *Job) AddProgressListener(l ProgressListener) {
	if l == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, existing := range j.listeners {
		if existing == l {
			return
		}
	}
	j.listeners = append(j.listeners, l)
}

// RemoveProgressListener unregisters a listener. Unknown listeners are a
// no-op.
func (j *Job) RemoveProgressListener(l ProgressListener) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, existing := range j.listeners {
		if existing == l {
			j.listeners = append(j.listeners[:i], j.listeners[i+1:]...)
			return
		}
	}
}

// notifyProgress fans an event out to every registered listener.
func (j *Job) notifyProgress(bytesChunk, bytesSoFar, totalBytes int64, remotePath string) {
	j.mu.Lock()
	listeners := make([]ProgressListener, len(j.listeners))
	copy(listeners, j.listeners)
	j.mu.Unlock()

	for _, l := range listeners {
		l.OnTransferProgress(bytesChunk, bytesSoFar, totalBytes, remotePath)
	}
}

// Execute performs the transfer against the client and materializes the
// outcome as a Result. It never panics the worker; every failure becomes a
// Result. Must be called at most once.
func (j *Job) Execute(ctx context.Context, client remote.Client) Result {
	if j.cancelled.Load() {
		return Result{Code: ResultCancelled, Err: context.Canceled}
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	j.mu.Lock()
	j.cancelExec = cancel
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.cancelExec = nil
		j.mu.Unlock()
	}()

	// Cancel may have raced the handoff above.
	if j.cancelled.Load() {
		return Result{Code: ResultCancelled, Err: context.Canceled}
	}

	info, err := os.Stat(j.originalLocalPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Result{Code: ResultFileNotFound, Err: fmt.Errorf("local file vanished: %w", err)}
	case err != nil:
		return Result{Code: ResultUnknown, Err: err}
	}
	j.size = info.Size()
	j.file.Length = info.Size()

	if !j.forceOverwrite {
		if res, ok := j.renameOnConflict(execCtx, client); !ok {
			return res
		}
	}

	req := remote.PutRequest{
		LocalPath:  j.originalLocalPath,
		RemotePath: j.RemotePath(),
		MimeType:   j.mimeType,
		Size:       j.size,
		Chunked:    j.chunked,
	}

	err = client.Put(execCtx, req, j.notifyProgress)
	if err != nil {
		if j.cancelled.Load() || execCtx.Err() != nil {
			return Result{Code: ResultCancelled, Err: context.Canceled}
		}
		return resultFromError(err)
	}
	if j.cancelled.Load() {
		return Result{Code: ResultCancelled, Err: context.Canceled}
	}

	if err := j.applyLocalAction(); err != nil {
		return Result{Code: ResultUnknown, Err: fmt.Errorf("local post-action failed: %w", err)}
	}

	return okResult()
}

// renameOnConflict probes the target and, when taken, moves the job to a free
// sibling name, recording the old entry. Returns ok=false with a terminal
// result when probing fails or the job was cancelled.
func (j *Job) renameOnConflict(ctx context.Context, client remote.Client) (Result, bool) {
	target := j.RemotePath()

	exists, err := client.Exists(ctx, target)
	if err != nil {
		if j.cancelled.Load() || ctx.Err() != nil {
			return Result{Code: ResultCancelled, Err: context.Canceled}, false
		}
		return resultFromError(err), false
	}
	if !exists {
		return Result{}, true
	}

	renamed, err := j.findFreeRemotePath(ctx, client, target)
	if err != nil {
		if j.cancelled.Load() || ctx.Err() != nil {
			return Result{Code: ResultCancelled, Err: context.Canceled}, false
		}
		return resultFromError(err), false
	}

	j.mu.Lock()
	old := *j.file
	j.oldFile = &old
	j.file.RemotePath = renamed
	j.mu.Unlock()

	j.logger.Info().
		Str("account", j.acct.Name).
		Str("from", target).
		Str("to", renamed).
		Msg("upload renamed to avoid conflict")

	return Result{}, true
}

// findFreeRemotePath probes "name (2).ext", "name (3).ext", ... until a free
// sibling is found.
func (j *Job) findFreeRemotePath(ctx context.Context, client remote.Client, taken string) (string, error) {
	ext := path.Ext(taken)
	base := strings.TrimSuffix(taken, ext)

	for n := 2; ; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		exists, err := client.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

// applyLocalAction copies or moves the source file into the account's sync
// root, or clears the storage link for forget.
func (j *Job) applyLocalAction() error {
	switch j.localAction {
	case ActionForget:
		j.file.StoragePath = ""
		return nil
	case ActionCopy, ActionMove:
		target := filepath.Join(j.syncRoot, j.acct.Name, filepath.FromSlash(j.RemotePath()))
		var err error
		if j.localAction == ActionCopy {
			err = fileutil.CopyFile(j.originalLocalPath, target)
		} else {
			err = fileutil.MoveFile(j.originalLocalPath, target)
		}
		if err != nil {
			return err
		}
		j.file.StoragePath = target
		return nil
	default:
		return fmt.Errorf("unknown local action %q", j.localAction)
	}
}
