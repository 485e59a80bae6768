package upload

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pocketcloud/pocketcloud/internal/events"
	"github.com/pocketcloud/pocketcloud/internal/remote"
	"github.com/pocketcloud/pocketcloud/internal/store"
)

// Publisher reconciles the metadata catalog after a job settles and fans
// terminal events out to the rest of the system.
type Publisher struct {
	bus     *events.Bus
	clients *remote.Registry
	logger  zerolog.Logger
	now     func() time.Time
}

// PublisherOption is a functional option for configuring the publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger for the publisher.
func WithPublisherLogger(logger zerolog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// withPublisherClock overrides the clock, for tests.
func withPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// NewPublisher creates a publisher. The client registry is flushed on
// credential expiry so the next job obtains fresh credentials.
func NewPublisher(bus *events.Bus, clients *remote.Registry, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		bus:     bus,
		clients: clients,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// SaveUploaded persists the catalog entry of a successfully uploaded file:
// stamps sync times, refreshes properties from the server, detaches the old
// entry after a rename, and queues a media scan for the stored payload.
//
// A property refresh failure does not fail the upload; the entry is persisted
// with stale properties and the failure is logged.
func (p *Publisher) SaveUploaded(ctx context.Context, j *Job, st store.Store, client remote.Client) error {
	file := j.File()

	// Prefer the freshest catalog row for this path; the entry may have been
	// created or updated while the job sat in the queue.
	current, err := p.loadCurrent(ctx, st, file)
	if err == nil {
		current.StoragePath = file.StoragePath
		current.MimeType = file.MimeType
		current.Length = file.Length
		current.RemotePath = file.RemotePath
		file = current
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := p.now()
	file.LastSyncData = now

	info, statErr := client.Stat(ctx, file.RemotePath)
	if statErr != nil {
		p.logger.Error().
			Err(statErr).
			Str("account", j.Account().Name).
			Str("path", file.RemotePath).
			Msg("property refresh failed after upload, catalog entry is stale")
	} else {
		file.Created = info.Created
		file.Modified = info.Modified
		file.Length = info.Length
		if info.MimeType != "" {
			file.MimeType = info.MimeType
		}
		if info.Etag != "" {
			file.Etag = info.Etag
		}
		if info.RemoteID != "" {
			file.RemoteID = info.RemoteID
		}
		file.LastSyncProps = now
	}

	if j.WasRenamed() {
		if err := p.detachOldEntry(ctx, j, st); err != nil {
			return err
		}
	}

	file.NeedsThumbnailUpdate = true
	if err := st.Save(ctx, file); err != nil {
		return err
	}
	if err := st.SaveConflict(ctx, file, ""); err != nil {
		return err
	}

	if file.StoragePath != "" {
		if err := st.TriggerMediaScan(ctx, file.StoragePath); err != nil {
			p.logger.Warn().
				Err(err).
				Str("path", file.StoragePath).
				Msg("media scan enqueue failed")
		}
	}

	// Keep the job pointing at the persisted entry so the finish event
	// carries the assigned id.
	*j.File() = *file
	return nil
}

// loadCurrent fetches the freshest catalog row for the uploaded file, by id
// when known, by path otherwise.
func (p *Publisher) loadCurrent(ctx context.Context, st store.Store, file *store.Entry) (*store.Entry, error) {
	if file.ID != 0 {
		return st.GetByID(ctx, file.ID)
	}
	return st.GetByPath(ctx, file.RemotePath)
}

// detachOldEntry clears the storage link and any recorded conflict on the
// catalog entry the job was renamed away from.
func (p *Publisher) detachOldEntry(ctx context.Context, j *Job, st store.Store) error {
	oldPath := j.OldFile().RemotePath

	oldEntry, err := st.GetByPath(ctx, oldPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	oldEntry.StoragePath = ""
	if err := st.Save(ctx, oldEntry); err != nil {
		return err
	}
	return st.SaveConflict(ctx, oldEntry, "")
}

// SaveConflict records the server's current etag on the catalog entry so the
// UI can offer resolution. No payload data is written.
func (p *Publisher) SaveConflict(ctx context.Context, j *Job, st store.Store, client remote.Client) {
	file := j.File()

	entry, err := st.GetByPath(ctx, file.RemotePath)
	if errors.Is(err, store.ErrNotFound) {
		entry = file
		err = st.Save(ctx, entry)
	}
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("path", file.RemotePath).
			Msg("loading entry for conflict record failed")
		return
	}

	serverEtag := ""
	if info, statErr := client.Stat(ctx, file.RemotePath); statErr == nil {
		serverEtag = info.Etag
	} else {
		p.logger.Warn().
			Err(statErr).
			Str("path", file.RemotePath).
			Msg("could not read server etag for conflict record")
	}

	if err := st.SaveConflict(ctx, entry, serverEtag); err != nil {
		p.logger.Error().
			Err(err).
			Str("path", file.RemotePath).
			Msg("recording conflict etag failed")
	}
}

// HandleCredentialExpiry flushes the cached client for the job's account and
// surfaces a credentials-required event so the UI can prompt
// re-authentication.
func (p *Publisher) HandleCredentialExpiry(j *Job) {
	name := j.Account().Name
	p.clients.Flush(name)

	p.bus.Publish(events.Event{
		Type:    events.CredentialsRequired,
		Subject: j.Account(),
		Data: map[string]any{
			"account_name": name,
			"remote_path":  j.RemotePath(),
		},
	})

	p.logger.Warn().
		Str("account", name).
		Str("path", j.RemotePath()).
		Msg("credentials rejected, client flushed")
}

// HandleQuotaExceeded records an instant upload that failed on quota in the
// later queue so it can be retried out of band. Non-instant jobs just fail.
func (p *Publisher) HandleQuotaExceeded(ctx context.Context, j *Job, later store.LaterQueue, message string) {
	if !j.IsInstant() {
		return
	}

	rows, err := later.UpdateFileState(ctx, j.OriginalLocalPath(), store.LaterStateFailed, message)
	if err == nil && rows == 0 {
		err = later.PutForLater(ctx, j.OriginalLocalPath(), j.Account().Name, message)
	}
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("local", j.OriginalLocalPath()).
			Msg("recording deferred upload failed")
		return
	}

	p.logger.Info().
		Str("account", j.Account().Name).
		Str("local", j.OriginalLocalPath()).
		Msg("instant upload deferred on quota")
}

// ClearDeferred drops a later-queue record once its instant upload succeeds.
func (p *Publisher) ClearDeferred(ctx context.Context, j *Job, later store.LaterQueue) {
	if !j.IsInstant() {
		return
	}
	if err := later.RemovePending(ctx, j.OriginalLocalPath()); err != nil {
		p.logger.Warn().
			Err(err).
			Str("local", j.OriginalLocalPath()).
			Msg("clearing deferred upload record failed")
	}
}

// PublishFinished broadcasts the terminal event of a job.
func (p *Publisher) PublishFinished(j *Job, result Result, unlinkedFrom string) {
	data := map[string]any{
		"account_name":        j.Account().Name,
		"remote_path":         j.RemotePath(),
		"original_local_path": j.OriginalLocalPath(),
		"success":             result.IsSuccess(),
		"result_code":         string(result.Code),
		"unlinked_from":       unlinkedFrom,
	}
	if old := j.OldFile(); old != nil {
		data["old_remote_path"] = old.RemotePath
	}

	p.bus.Publish(events.Event{
		Type:    events.UploadFinished,
		Subject: j.File(),
		Data:    data,
	})
}
