package capability

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/transaction"
)

var payloadValidator = validator.New()

// DecodePayload decodes the data of req into target, a pointer to a struct
// with mapstructure and validate tags, and validates the result.
func DecodePayload(req *envelope.Envelope, target interface{}) error {
	if err := req.DecodeData(target); err != nil {
		return err
	}
	if err := payloadValidator.Struct(target); err != nil {
		return fmt.Errorf("invalid %s payload: %w", req.Event, err)
	}
	return nil
}

// NewMessage builds an envelope stamped with the unit's name and version.
func NewMessage(u Unit, event string, errText *string, data map[string]interface{}) *envelope.Envelope {
	return envelope.New(u.Name(), u.Version(), event, errText, data)
}

// TaskKey returns the correlation key the controller put in req.
func TaskKey(req *envelope.Envelope) interface{} {
	if req == nil || req.Data == nil {
		return nil
	}
	return req.Data["taskKey"]
}

// CommonEventHandler runs seq for req and replies to the controller with
// the outcome. When seq fails, rollback runs in best-effort mode and its
// report is logged; the reply always carries the forward report.
// Cancelling ctx does not interrupt either sequence.
func CommonEventHandler(ctx context.Context, deps Deps, u Unit, event string, req *envelope.Envelope, seq, rollback transaction.Sequence) {
	ctx = context.WithoutCancel(ctx)
	log := deps.Logger(u.Name()).WithEnvelope(u.Name(), event)

	report, err := deps.Executor.Run(ctx, seq, false)

	var errText *string
	if err != nil {
		text := err.Error() + "\n" + transaction.Diagnostic(err)
		errText = &text

		log.WithError(err).Error("sequence failed, rolling back")
		rollbackReport, _ := deps.Executor.Run(ctx, rollback, true)
		log.Warnf("Rollback report:\n\t%s", rollbackReport.String())
	}

	deps.Host.Send(ctx, NewMessage(u, event, errText, map[string]interface{}{
		"taskKey": TaskKey(req),
		"report":  report.Lines(),
	}))
}

// ReplyFailure answers req with err as the error text and report as the
// step report. It is used when a request fails before any sequence runs.
func ReplyFailure(ctx context.Context, deps Deps, u Unit, event string, req *envelope.Envelope, err error, report ...string) {
	deps.Host.Send(ctx, NewMessage(u, event, failureText(err), failureData(req, report)))
}

// ReplyError answers req on behalf of whoever rejected it, keeping the
// module, version and event of the request.
func ReplyError(ctx context.Context, s Sender, req *envelope.Envelope, err error, report ...string) {
	s.Send(ctx, envelope.New(req.Module, req.Version, req.Event, failureText(err), failureData(req, report)))
}

func failureText(err error) *string {
	text := err.Error()
	return &text
}

func failureData(req *envelope.Envelope, report []string) map[string]interface{} {
	if report == nil {
		report = []string{}
	}
	return map[string]interface{}{
		"taskKey": TaskKey(req),
		"report":  report,
	}
}
