package tracker

import "github.com/codewiresh/livetrack/internal/store"

// SandboxSetup routes all envelopes to a fresh, isolated registry until
// SandboxTearDown. The live registry is set aside untouched. Calling it
// while already sandboxed does nothing; it reports whether a sandbox was
// created.
func (t *Tracker) SandboxSetup() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.saved != nil {
		return false
	}
	t.saved = t.live.Load()
	sb := NewRegistry(t.hostname)
	sb.sandbox = true
	t.live.Store(sb)

	t.logger.Info("sandbox created", "sandbox", sb.ID())
	t.record(store.Event{Kind: store.EventSandboxStart, Detail: sb.ID()})
	return true
}

// SandboxTearDown discards the sandbox registry and restores the registry
// that was active before SandboxSetup, exactly as it was. Connections that
// only registered inside the sandbox are closed. Calling it while not
// sandboxed does nothing; it reports whether a sandbox was removed.
func (t *Tracker) SandboxTearDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.saved == nil {
		return false
	}
	sb := t.live.Load()
	restored := t.saved
	t.saved = nil
	t.live.Store(restored)
	t.discardLocked(sb, restored)

	t.logger.Info("sandbox removed", "sandbox", sb.ID(), "dropped_sessions", sb.Len())
	t.record(store.Event{Kind: store.EventSandboxStop, Detail: sb.ID()})
	return true
}

// Sandboxed reports whether envelopes are currently routed to a sandbox.
func (t *Tracker) Sandboxed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved != nil
}
