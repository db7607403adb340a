package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ghiac/agentdesk/lock"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/toolcall"
)

// callOnce runs call unless an identical call already ran this turn, in
// which case the earlier result answers it. The lock only covers a call while
// it runs, so repeats within a turn are caught here.
func (d *Dispatcher) callOnce(ctx context.Context, t *turn, call model.ToolCall) (ToolCallResult, error) {
	key, ok := toolcall.CallKey(call)
	if ok {
		if prev, seen := t.done[key]; seen {
			t.logger.Infof("[Dispatcher] 🔁 Identical call answered from earlier result | Tool: %s | CallID: %s | FirstCallID: %s",
				call.Name, call.ID, prev.CallID)
			return prev, nil
		}
	}
	res, err := d.executeCall(ctx, t, call)
	if ok && err == nil {
		t.done[key] = res
	}
	return res, err
}

// executeCall validates one requested call and runs it under its fingerprint
// lock. Only an upstream timeout is returned as an error: every other failure
// becomes an outcome the model is told about.
func (d *Dispatcher) executeCall(ctx context.Context, t *turn, call model.ToolCall) (res ToolCallResult, err error) {
	conv := t.conv
	res = ToolCallResult{CallID: call.ID, Name: call.Name}
	notifyStatus(ctx, conv.ClientID, conv.ID, StatusToolExecuting, call.Name)
	defer func() {
		t.calls = append(t.calls, res)
		notifyStatus(ctx, conv.ClientID, conv.ID, StatusToolDone, call.Name, OptMetadata("outcome", string(res.Outcome)))
	}()

	tool, lookupErr := d.tools.Tool(conv.ClientID, call.Name)
	if lookupErr != nil {
		res.Outcome = model.ToolOutcomeInvalid
		res.Errors = []string{lookupErr.Error()}
		d.toolCalls.SaveOutcome(ctx, conv, call, res.Outcome, lookupErr.Error())
		// model-invented names stay out of the metric labels
		d.metrics.ToolCall("unknown", string(res.Outcome), 0)
		t.logger.Warnf("[Dispatcher] ⚠️  Unusable tool requested | Tool: %s | Error: %v", call.Name, lookupErr)
		return res, nil
	}

	vr := d.validator.Validate(tool, call.Arguments)
	problems := vr.Errors
	if vr.Valid {
		violations, schemaErr := d.tools.CheckSchema(conv.ClientID, tool.Name, vr.CoercedArgs)
		if schemaErr != nil {
			problems = append(problems, schemaErr.Error())
		}
		problems = append(problems, violations...)
	}
	if len(problems) > 0 {
		res.Outcome = model.ToolOutcomeInvalid
		res.Errors = problems
		verr := &model.ValidationError{Tool: tool.Name, Errors: problems}
		d.toolCalls.SaveOutcome(ctx, conv, call, res.Outcome, verr.Error())
		d.metrics.ToolCall(tool.Name, string(res.Outcome), 0)
		t.logger.Infof("[Dispatcher] 🚫 Tool call rejected | Tool: %s | Errors: %s", tool.Name, strings.Join(problems, "; "))
		return res, nil
	}

	args := vr.CoercedArgs
	exec := call
	exec.Arguments = args
	d.toolCalls.Save(ctx, conv, exec, args)

	if tool.NeedsLock() {
		key, keyErr := lock.Fingerprint(conv.ID, tool.Name, args)
		if keyErr != nil {
			res.Outcome = model.ToolOutcomeFailed
			res.Errors = []string{keyErr.Error()}
			d.finishCall(ctx, tool.Name, res, keyErr.Error(), 0)
			return res, nil
		}

		acquired, lockErr := d.locker.Acquire(ctx, key, d.config.LockTTL)
		switch {
		case lockErr != nil:
			// fail closed: no execution without mutual exclusion
			d.metrics.LockAcquired("unavailable")
			res.Outcome = model.ToolOutcomeLockUnavailable
			res.Errors = []string{lockErr.Error()}
			d.finishCall(ctx, tool.Name, res, lockErr.Error(), 0)
			t.logger.Warnf("[Dispatcher] 🔒 Lock store unavailable, not executing %s: %v", tool.Name, lockErr)
			return res, nil
		case !acquired:
			d.metrics.LockAcquired("held")
			res.Outcome = model.ToolOutcomeDuplicateSuppressed
			d.finishCall(ctx, tool.Name, res, "", 0)
			t.logger.Infof("[Dispatcher] ⏭️  Duplicate call suppressed | Tool: %s | Key: %s", tool.Name, key)
			return res, nil
		}
		d.metrics.LockAcquired("acquired")
		defer func() {
			if _, err := d.locker.Release(context.WithoutCancel(ctx), key); err != nil {
				t.logger.Warnf("[Dispatcher] ⚠️  Failed to release %s, it expires with its TTL: %v", key, err)
			}
		}()
	}

	started := time.Now()
	execCtx := toolcall.WithCall(ctx, toolcall.CallInfo{CallID: call.ID, ConversationID: conv.ID, ClientID: conv.ClientID})
	output, execErr := d.executor.Execute(execCtx, tool, args)
	elapsed := time.Since(started)
	t.usage.ToolCalls++

	if execErr != nil {
		res.Outcome = model.ToolOutcomeFailed
		res.Errors = []string{execErr.Error()}
		d.finishCall(ctx, tool.Name, res, execErr.Error(), elapsed)
		t.logger.Warnf("[Dispatcher] ❌ Tool execution failed | Tool: %s | Duration: %v | Error: %v", tool.Name, elapsed, execErr)
		if model.KindOf(execErr) == model.KindUpstreamTimeout || errors.Is(execErr, context.DeadlineExceeded) {
			return res, execErr
		}
		return res, nil
	}

	res.Outcome = model.ToolOutcomeExecuted
	res.Output = output
	d.finishCall(ctx, tool.Name, res, output, elapsed)
	t.logger.Infof("[Dispatcher] 🔧 Tool executed | Tool: %s | Duration: %v | ResultLen: %d", tool.Name, elapsed, len(output))

	meta := map[string]any{
		"tool":         tool.Name,
		"tool_call_id": call.ID,
		"provenance":   string(call.Provenance),
	}
	if _, err := d.conversations.RecordMessage(ctx, conv, model.RoleTool, output, 0, meta); err != nil {
		t.logger.Warnf("[Dispatcher] ⚠️  Failed to store result of %s: %v", tool.Name, err)
	}
	return res, nil
}

// finishCall writes the final audit outcome and counts it
func (d *Dispatcher) finishCall(ctx context.Context, toolName string, res ToolCallResult, response string, elapsed time.Duration) {
	d.toolCalls.Update(ctx, res.CallID, res.Outcome, response, elapsed)
	d.metrics.ToolCall(toolName, string(res.Outcome), elapsed)
}
