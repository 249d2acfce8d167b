// Package engine defines the seam to the backing messaging automation
// engine: the component that drives a headless browser through an
// authenticated messaging session. The gateway treats it as an opaque
// capability and never assumes anything about its implementation beyond
// this contract.
package engine

import "context"

// Status values reported by the backing client.
type Status string

const (
	// StatusAuthenticated and StatusReady are the terminal-success values:
	// the session is usable once either is reported.
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"

	StatusLoading      Status = "loading"
	StatusQRWaiting    Status = "qr-waiting"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether a status means the session reached a usable state.
func (s Status) Terminal() bool {
	return s == StatusAuthenticated || s == StatusReady
}

// Hooks are the callbacks the engine fires asynchronously during and after
// creation. Implementations must tolerate hooks firing from any goroutine.
type Hooks struct {
	// QRReady fires when a login QR code must be shown to the user.
	QRReady func(qr string)
	// StatusChanged fires on every status transition.
	StatusChanged func(status Status)
}

// CreateOpts configures a single session creation.
type CreateOpts struct {
	// SessionID is the stable identifier derived from the fingerprint.
	SessionID string
	// StoragePath is the directory the client must use for persisted
	// credentials and browser profile data.
	StoragePath string
	Hooks       Hooks
}

// Engine creates backing clients. Create blocks until the client exists or
// the context is done; readiness is reported separately via hooks.
type Engine interface {
	Create(ctx context.Context, opts CreateOpts) (Client, error)
}

// Client is a live backing automation client. All methods may be called from
// any goroutine; Close and Terminate must be safe to call more than once.
type Client interface {
	// SendText delivers a message to a target through the authenticated
	// session. A failed send does not invalidate the client.
	SendText(ctx context.Context, target, body string) error
	// IsConnected probes liveness. An error is treated the same as false.
	IsConnected(ctx context.Context) (bool, error)
	// Logout ends the authenticated session remotely.
	Logout(ctx context.Context) error
	// Close releases the client politely.
	Close() error
	// Terminate force-kills any underlying process the client wraps. Used
	// on the forced-cleanup path where a hung browser outlives Close.
	Terminate()
}
