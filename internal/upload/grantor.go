package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pocketcloud/pocketcloud/internal/forest"
	"github.com/pocketcloud/pocketcloud/internal/remote"
	"github.com/pocketcloud/pocketcloud/internal/store"
)

// ErrFolderNotGranted is returned when the target's parent folder does not
// exist remotely and the job does not permit creating it.
var ErrFolderNotGranted = errors.New("upload: parent folder not granted")

// Grantor ensures that every ancestor directory of an upload target exists
// both on the server and in the local metadata catalog before the transfer
// starts.
type Grantor struct {
	logger zerolog.Logger
}

// GrantorOption is a functional option for configuring the grantor.
type GrantorOption func(*Grantor)

// WithGrantorLogger sets the logger for the grantor.
func WithGrantorLogger(logger zerolog.Logger) GrantorOption {
	return func(g *Grantor) {
		g.logger = logger
	}
}

// NewGrantor creates a grantor.
func NewGrantor(opts ...GrantorOption) *Grantor {
	g := &Grantor{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Grant ensures pathToGrant exists remotely and in the catalog, creating it
// when mayCreate allows. It returns the catalog entry of pathToGrant. After a
// successful return every directory prefix of pathToGrant has a catalog entry
// whose remote counterpart exists.
func (g *Grantor) Grant(
	ctx context.Context,
	client remote.Client,
	st store.Store,
	accountName, pathToGrant string,
	mayCreate bool,
) (*store.Entry, error) {
	exists, err := client.Exists(ctx, pathToGrant)
	if err != nil {
		return nil, fmt.Errorf("probing %q: %w", pathToGrant, err)
	}

	if !exists {
		if !mayCreate {
			return nil, fmt.Errorf("%w: %q missing remotely: %w", ErrFolderNotGranted, pathToGrant, remote.ErrNotFound)
		}
		if err := client.MkCol(ctx, pathToGrant, true); err != nil {
			return nil, fmt.Errorf("creating %q: %w", pathToGrant, err)
		}
		g.logger.Info().
			Str("account", accountName).
			Str("path", pathToGrant).
			Msg("remote folder created")
	}

	entry, err := g.ensureLocalTree(ctx, st, accountName, pathToGrant)
	if err != nil {
		return nil, fmt.Errorf("mirroring %q locally: %w", pathToGrant, err)
	}
	return entry, nil
}

// ensureLocalTree walks from the root down to pathToGrant, creating missing
// directory entries linked to their parents.
func (g *Grantor) ensureLocalTree(
	ctx context.Context,
	st store.Store,
	accountName, pathToGrant string,
) (*store.Entry, error) {
	var parentID int64
	var entry *store.Entry

	for _, prefix := range pathPrefixes(pathToGrant) {
		existing, err := st.GetByPath(ctx, prefix)
		switch {
		case err == nil:
			entry = existing
		case errors.Is(err, store.ErrNotFound):
			now := time.Now()
			entry = &store.Entry{
				ParentID:      parentID,
				AccountName:   accountName,
				RemotePath:    prefix,
				MimeType:      store.MimeTypeDirectory,
				Created:       now,
				Modified:      now,
				LastSyncProps: now,
			}
			if err := st.Save(ctx, entry); err != nil {
				return nil, err
			}
			g.logger.Debug().
				Str("account", accountName).
				Str("path", prefix).
				Msg("local folder entry created")
		default:
			return nil, err
		}
		parentID = entry.ID
	}
	return entry, nil
}

// pathPrefixes returns every directory prefix of a normalized path, root
// first, including the path itself. "/a/b" yields ["/", "/a", "/a/b"].
func pathPrefixes(remotePath string) []string {
	prefixes := []string{forest.PathSeparator}
	if remotePath == forest.PathSeparator || remotePath == "" {
		return prefixes
	}

	current := ""
	for _, seg := range strings.Split(remotePath, forest.PathSeparator) {
		if seg == "" {
			continue
		}
		current += forest.PathSeparator + seg
		prefixes = append(prefixes, current)
	}
	return prefixes
}
