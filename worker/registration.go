package worker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
)

// Registration hosts successive worker versions for a set of page clients.
//
// It installs each registered Manager, activates it when the Manager asks to
// skip waiting or when nothing is active yet, and implements Claim by
// rebinding the transport of every client it handed out.
type Registration struct {
	network http.RoundTripper
	logger  *slog.Logger

	mu      sync.Mutex
	active  *Manager
	waiting *Manager
	clients []*clientTransport
}

// RegistrationOption configures a Registration.
type RegistrationOption func(*Registration)

// WithRegistrationLogger sets the logger for lifecycle events.
func WithRegistrationLogger(logger *slog.Logger) RegistrationOption {
	return func(r *Registration) {
		r.logger = logger
	}
}

// NewRegistration creates a Registration. Clients that are not controlled by
// a worker send requests through network, or http.DefaultTransport if nil.
func NewRegistration(network http.RoundTripper, opts ...RegistrationOption) *Registration {
	if network == nil {
		network = http.DefaultTransport
	}
	r := &Registration{
		network: network,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Register installs m as the waiting worker.
//
// If the install fails the error is returned and the active worker is left
// in place. If m asked to skip waiting, or no worker is active, m is
// activated before Register returns.
func (r *Registration) Register(ctx context.Context, m *Manager) error {
	h := &registrationHost{reg: r, m: m}
	m.setHost(h)

	r.mu.Lock()
	r.waiting = m
	r.mu.Unlock()

	if err := m.Install(ctx); err != nil {
		r.mu.Lock()
		if r.waiting == m {
			r.waiting = nil
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	activate := h.skipWaiting || r.active == nil
	r.mu.Unlock()
	if !activate {
		r.logger.Info("worker installed and waiting", slog.String("version", m.Version()))
		return nil
	}
	return r.activate(ctx, m)
}

// ActivateWaiting activates the waiting worker, if any.
func (r *Registration) ActivateWaiting(ctx context.Context) error {
	r.mu.Lock()
	m := r.waiting
	r.mu.Unlock()
	if m == nil {
		return nil
	}
	return r.activate(ctx, m)
}

func (r *Registration) activate(ctx context.Context, m *Manager) error {
	r.mu.Lock()
	r.active = m
	if r.waiting == m {
		r.waiting = nil
	}
	r.mu.Unlock()

	deleted, err := m.Activate(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("worker activated",
		slog.String("version", m.Version()),
		slog.Int("deleted", len(deleted)))
	return nil
}

// Client returns a page client. It is controlled by the worker active at
// the time of the call, or goes straight to the network if none is. A later
// Claim rebinds it to the then active worker.
func (r *Registration) Client() *http.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct := &clientTransport{network: r.network}
	if r.active != nil {
		ct.controller = r.active
	}
	r.clients = append(r.clients, ct)
	return &http.Client{Transport: ct}
}

// Claim makes the active worker control every client from Client.
func (r *Registration) Claim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	for _, ct := range r.clients {
		ct.bind(r.active)
	}
}

// Controller returns the worker controlling c, or nil.
func (r *Registration) Controller(c *http.Client) *Manager {
	ct, ok := c.Transport.(*clientTransport)
	if !ok {
		return nil
	}
	return ct.current()
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed but not yet active worker, or nil.
func (r *Registration) Waiting() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

type registrationHost struct {
	reg         *Registration
	m           *Manager
	skipWaiting bool
}

func (h *registrationHost) SkipWaiting() {
	h.reg.mu.Lock()
	h.skipWaiting = true
	h.reg.mu.Unlock()
}

func (h *registrationHost) Claim() {
	h.reg.Claim()
}

// clientTransport routes a page client through its controlling worker.
type clientTransport struct {
	network http.RoundTripper

	mu         sync.RWMutex
	controller *Manager
}

func (t *clientTransport) bind(m *Manager) {
	t.mu.Lock()
	t.controller = m
	t.mu.Unlock()
}

func (t *clientTransport) current() *Manager {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.controller
}

func (t *clientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if m := t.current(); m != nil {
		return m.RoundTrip(req)
	}
	return t.network.RoundTrip(req)
}
