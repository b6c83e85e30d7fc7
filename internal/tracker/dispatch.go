package tracker

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/store"
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrUnknownSession = errors.New("unknown session")
	ErrOriginGone     = errors.New("origin connection not found")
)

// Outbound is an envelope to deliver to one connection.
type Outbound struct {
	ConnID   string
	Envelope *protocol.Envelope
}

// Effects is everything a handler wants done outside the registry. The
// tracker applies them after the handler returns.
type Effects struct {
	Sends  []Outbound
	Closes []string
	// Orphaned sessions lost their connection and start their grace period.
	Orphaned []string
	Events   []store.Event

	// LinkRequest asks the tracker to connect to or disconnect from another
	// tracker; the tracker replies to it once the link is handled.
	LinkRequest *protocol.Envelope
	LinkConnect *protocol.ServerLinkData
}

func (fx *Effects) send(connID string, e *protocol.Envelope) {
	fx.Sends = append(fx.Sends, Outbound{ConnID: connID, Envelope: e})
}

func (fx *Effects) event(kind string, sess protocol.Session) {
	fx.Events = append(fx.Events, store.Event{Kind: kind, SessionID: sess.ID, User: sess.User})
}

// Dispatcher routes envelopes to the handler for their action. Handlers
// mutate only the registry they are given and report everything else as
// Effects.
type Dispatcher struct{}

// Dispatch handles one envelope received on connID. A returned error means
// the envelope was dropped; it never affects later envelopes.
func (d *Dispatcher) Dispatch(reg *Registry, connID string, env *protocol.Envelope) (fx Effects, err error) {
	defer func() {
		if r := recover(); r != nil {
			fx = Effects{}
			err = fmt.Errorf("handler %s panicked: %v\n%s", env.Action, r, debug.Stack())
		}
	}()

	if err := env.Validate(); err != nil {
		return fx, err
	}

	switch env.Action {
	case protocol.ActionRegister:
		err = d.register(reg, connID, env, &fx)
	case protocol.ActionUnregister:
		err = d.unregister(reg, env, &fx)
	case protocol.ActionGetSessions:
		fx.send(connID, protocol.Reply(reg.ID(), env, reg.Sessions()))
	case protocol.ActionRemoteEval:
		err = d.remoteEval(reg, connID, env, &fx)
	case protocol.ActionRemoteEvalRequest:
		if env.IsResult() {
			err = d.remoteEvalResult(reg, env, &fx)
		} else {
			err = d.remoteEval(reg, connID, env, &fx)
		}
	case protocol.ActionReportActivity:
		err = d.reportActivity(reg, connID, env, &fx)
	case protocol.ActionServerConnect:
		var link protocol.ServerLinkData
		if err = env.DecodeData(&link); err == nil {
			fx.LinkRequest = env
			fx.LinkConnect = &link
		}
	case protocol.ActionServerDisconnect:
		fx.LinkRequest = env
	default:
		err = fmt.Errorf("%w %q", ErrUnknownAction, env.Action)
	}
	if err != nil {
		return Effects{}, err
	}
	return fx, nil
}

func (d *Dispatcher) register(reg *Registry, connID string, env *protocol.Envelope, fx *Effects) error {
	var data protocol.Session
	if err := env.DecodeData(&data); err != nil {
		return err
	}
	rb := reg.Register(env.Sender, data, connID)
	if rb.ReplacedConn != "" {
		fx.Closes = append(fx.Closes, rb.ReplacedConn)
	}
	if rb.OrphanedSession != "" {
		fx.Orphaned = append(fx.Orphaned, rb.OrphanedSession)
	}
	sess, _ := reg.Lookup(env.Sender)
	fx.event(store.EventRegistered, sess)
	fx.send(connID, protocol.Reply(reg.ID(), env, protocol.OK))
	return nil
}

// unregister is idempotent: an unknown session produces no effects.
func (d *Dispatcher) unregister(reg *Registry, env *protocol.Envelope, fx *Effects) error {
	sess, _ := reg.Lookup(env.Sender)
	boundConn, existed := reg.Unregister(env.Sender)
	if !existed {
		return nil
	}
	fx.event(store.EventUnregistered, sess)
	if boundConn != "" {
		fx.Closes = append(fx.Closes, boundConn)
	}
	return nil
}

// remoteEval forwards an evaluation request to the target's connection.
// The origin's message id travels with the forwarded request so the
// target's answer can be correlated without tracker-side state.
func (d *Dispatcher) remoteEval(reg *Registry, connID string, env *protocol.Envelope, fx *Effects) error {
	var req protocol.RemoteEvalData
	if err := env.DecodeData(&req); err != nil {
		return err
	}
	targetConn, ok := reg.Binding(req.Target)
	if !ok {
		reply := protocol.Reply(reg.ID(), env, protocol.EvalResultData{
			Error:  protocol.ErrTargetNotFound,
			Target: req.Target,
		})
		reply.Action = protocol.ActionRemoteEval
		fx.send(connID, reply)
		return nil
	}
	fx.send(targetConn, &protocol.Envelope{
		Sender:    env.Sender,
		Action:    protocol.ActionRemoteEvalRequest,
		Kind:      protocol.KindRequest,
		MessageID: env.MessageID,
		Data:      protocol.EvalRequestData{Origin: env.Sender, Expr: req.Expr},
	})
	return nil
}

// remoteEvalResult relays a target's answer verbatim to the origin.
func (d *Dispatcher) remoteEvalResult(reg *Registry, env *protocol.Envelope, fx *Effects) error {
	var res protocol.EvalResultData
	if err := env.DecodeData(&res); err != nil {
		return err
	}
	originConn, ok := reg.Binding(res.Origin)
	if !ok {
		return fmt.Errorf("%w: %q", ErrOriginGone, res.Origin)
	}
	relay := *env
	fx.send(originConn, &relay)
	return nil
}

func (d *Dispatcher) reportActivity(reg *Registry, connID string, env *protocol.Envelope, fx *Effects) error {
	var act protocol.ActivityData
	if err := env.DecodeData(&act); err != nil {
		return err
	}
	if !reg.Merge(env.Sender, protocol.Session{LastActivity: act.LastActivity}) {
		return fmt.Errorf("%w: %q", ErrUnknownSession, env.Sender)
	}
	fx.send(connID, protocol.Reply(reg.ID(), env, protocol.OK))
	return nil
}
