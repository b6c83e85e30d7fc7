package client

import (
	"fmt"
	"runtime/debug"

	"github.com/expr-lang/expr"

	"github.com/codewiresh/livetrack/internal/protocol"
)

// Evaluator runs the source text of a remote evaluation request.
type Evaluator interface {
	Eval(source string) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(source string) (any, error)

func (f EvaluatorFunc) Eval(source string) (any, error) { return f(source) }

// ExprEvaluator evaluates expr-lang expressions against Env.
type ExprEvaluator struct {
	Env map[string]any
}

func (e ExprEvaluator) Eval(source string) (any, error) {
	return expr.Eval(source, e.Env)
}

// RemoteEval asks the tracker to evaluate source in the session target.
// thenDo receives the target's result, or an error naming the target when
// the tracker does not know it.
func (c *Connection) RemoteEval(target, source string, thenDo func(protocol.EvalResultData)) error {
	return c.Send(protocol.ActionRemoteEval, protocol.RemoteEvalData{Target: target, Expr: source}, func(reply *protocol.Envelope) {
		var res protocol.EvalResultData
		if err := reply.DecodeData(&res); err != nil {
			res.Error = err.Error()
		}
		if thenDo != nil {
			thenDo(res)
		}
	})
}

// doRemoteEval answers a forwarded remoteEvalRequest. Evaluation errors
// and panics become the string result; they never reach the read loop.
func (c *Connection) doRemoteEval(req *protocol.Envelope) {
	var data protocol.EvalRequestData
	if err := req.DecodeData(&data); err != nil {
		c.logger.Warn("malformed remote eval request", "from", req.Sender, "err", err)
		return
	}
	origin := data.Origin
	if origin == "" {
		origin = req.Sender
	}

	result := c.evaluate(data.Expr)
	err := c.SendRequest(Request{
		Action:       protocol.ActionRemoteEvalRequest,
		InResponseTo: req.MessageID,
		Data:         protocol.EvalResultData{Origin: origin, Result: result},
	})
	if err != nil {
		c.logger.Warn("remote eval result not sent", "origin", origin, "err", err)
	}
}

func (c *Connection) evaluate(source string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("Error in remote eval: %v\n%s", r, debug.Stack())
		}
	}()
	v, err := c.eval.Eval(source)
	if err != nil {
		return fmt.Sprintf("Error in remote eval: %v\n%s", err, debug.Stack())
	}
	return fmt.Sprint(v)
}
