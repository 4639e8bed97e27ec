package signing

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/covenant/model"
)

// Signer triggers.
const (
	triggerSend    = "send"
	triggerView    = "view"
	triggerSign    = "sign"
	triggerDecline = "decline"
)

// newSignerMachine returns a state machine positioned at status. Signed and
// declined accept no triggers.
func newSignerMachine(status model.SignerStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(model.SignerPending).
		Permit(triggerSend, model.SignerSent).
		Permit(triggerDecline, model.SignerDeclined)

	sm.Configure(model.SignerSent).
		PermitReentry(triggerSend).
		Permit(triggerView, model.SignerViewed).
		Permit(triggerSign, model.SignerSigned).
		Permit(triggerDecline, model.SignerDeclined)

	sm.Configure(model.SignerViewed).
		Permit(triggerSign, model.SignerSigned).
		Permit(triggerDecline, model.SignerDeclined)

	sm.Configure(model.SignerSigned)
	sm.Configure(model.SignerDeclined)

	return sm
}

// transition fires trigger from status and returns the resulting status.
func transition(ctx context.Context, status model.SignerStatus, trigger string) (model.SignerStatus, error) {
	if status.Terminal() {
		return status, model.NewTokenAlreadyUsedError()
	}
	sm := newSignerMachine(status)
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return status, model.NewInvalidTransitionError(fmt.Sprintf("signer in status %s cannot %s", status, trigger))
	}
	next, ok := sm.MustState().(model.SignerStatus)
	if !ok {
		return status, fmt.Errorf("signer state machine returned %T", sm.MustState())
	}
	return next, nil
}
