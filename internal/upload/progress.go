package upload

import (
	"sync"

	"github.com/rs/zerolog"
)

// ProgressListener receives byte-level progress for one transfer. Implemented
// by UI surfaces; the bus holds a non-owning handle, so listeners must be
// unbound by their holder before it goes away.
type ProgressListener interface {
	OnTransferProgress(bytesChunk, bytesSoFar, totalBytes int64, remotePath string)
}

// ProgressBus routes per-transfer progress to the one listener currently
// interested in that transfer. Bindings are keyed by account name plus remote
// path; re-binding a key replaces the previous listener.
type ProgressBus struct {
	mu        sync.Mutex
	listeners map[string]ProgressListener
	logger    zerolog.Logger
}

// ProgressBusOption is a functional option for configuring the bus.
type ProgressBusOption func(*ProgressBus)

// WithProgressLogger sets the logger for the bus.
func WithProgressLogger(logger zerolog.Logger) ProgressBusOption {
	return func(b *ProgressBus) {
		b.logger = logger
	}
}

// NewProgressBus creates an empty progress bus.
func NewProgressBus(opts ...ProgressBusOption) *ProgressBus {
	b := &ProgressBus{
		listeners: make(map[string]ProgressListener),
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// bindingKey is the flat form listeners are registered under.
func bindingKey(accountName, remotePath string) string {
	return accountName + remotePath
}

// Bind registers a listener for (accountName, remotePath), replacing any
// previous listener for that key.
func (b *ProgressBus) Bind(accountName, remotePath string, l ProgressListener) {
	if l == nil {
		return
	}

	b.mu.Lock()
	b.listeners[bindingKey(accountName, remotePath)] = l
	b.mu.Unlock()

	b.logger.Debug().
		Str("account", accountName).
		Str("path", remotePath).
		Msg("progress listener bound")
}

// Unbind removes the listener for (accountName, remotePath), but only when it
// is the same listener. Unbinding an unbound key is a no-op.
func (b *ProgressBus) Unbind(accountName, remotePath string, l ProgressListener) {
	key := bindingKey(accountName, remotePath)

	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.listeners[key]; ok && current == l {
		delete(b.listeners, key)
	}
}

// Dispatch forwards a progress event to the listener bound for the transfer,
// if any. Unobserved transfers are silent.
func (b *ProgressBus) Dispatch(accountName, remotePath string, bytesChunk, bytesSoFar, totalBytes int64) {
	b.mu.Lock()
	l, ok := b.listeners[bindingKey(accountName, remotePath)]
	b.mu.Unlock()

	if !ok {
		return
	}
	l.OnTransferProgress(bytesChunk, bytesSoFar, totalBytes, remotePath)
}

func (b *ProgressBus) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
