package signing

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/validate"
	"github.com/pitabwire/covenant/model"
)

// Signature methods.
const (
	MethodDraw   = "draw"
	MethodType   = "type"
	MethodUpload = "upload"
)

// Capture is a signer's submission.
type Capture struct {
	// Image is the raw PNG or JPEG signature image.
	Image  []byte `json:"-" validate:"required"`
	Method string `json:"signature_method,omitempty" validate:"omitempty,oneof=draw type upload"`
	// Fields maps field IDs to their values. Fields not assigned to the
	// signer are ignored.
	Fields map[string]string `json:"fields,omitempty"`
}

// signatureImagePath is where a signer's image is stored.
func signatureImagePath(sessionID, signerID string) string {
	return fmt.Sprintf("signing/%s/%s.png", sessionID, signerID)
}

func checkImage(data []byte) (string, error) {
	switch ct := http.DetectContentType(data); ct {
	case "image/png", "image/jpeg":
		return ct, nil
	default:
		return "", validate.Field("signature_image", "UNSUPPORTED_IMAGE",
			"signature must be a PNG or JPEG image")
	}
}

// CaptureSignature records the signer's signature and field values. The
// token is checked again; the session is not advanced here.
func (e *Engine) CaptureSignature(ctx context.Context, raw string, client model.ClientInfo, in Capture) (_ model.SigningSessionSigner, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.capture_signature")
	defer func() { observability.EndSpanWithError(span, err) }()

	if in.Method == "" {
		in.Method = MethodDraw
	}
	if err := validate.Struct(in); err != nil {
		return model.SigningSessionSigner{}, err
	}
	contentType, err := checkImage(in.Image)
	if err != nil {
		return model.SigningSessionSigner{}, err
	}

	var (
		acc    access
		denied error
		filled int
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = e.authorize(ctx, tx, raw, client)
		if err != nil {
			if denial(err) {
				denied = err
				return nil
			}
			return err
		}
		signer := &acc.signer

		next, err := transition(ctx, signer.Status, triggerSign)
		if err != nil {
			return err
		}

		path := signatureImagePath(acc.session.ID, signer.ID)
		if err := e.docs.Write(ctx, path, in.Image, contentType); err != nil {
			return err
		}

		now := e.now().UTC()
		fields, err := tx.ListFields(ctx, acc.session.ID)
		if err != nil {
			return err
		}
		for _, f := range fields {
			if f.AssignedSignerID != signer.ID {
				continue
			}
			value, ok := in.Fields[f.ID]
			if !ok {
				continue
			}
			f.Value = value
			f.FilledAt = &now
			if err := tx.UpdateField(ctx, f); err != nil {
				return err
			}
			if err := e.trail(ctx, tx, acc.session.ID, signer.ID, model.SigningEventFieldFilled, client, map[string]any{
				"field_id":   f.ID,
				"field_type": f.FieldType,
			}); err != nil {
				return err
			}
			filled++
		}

		signer.Status = next
		signer.SignedAt = &now
		signer.SignatureImagePath = path
		signer.SignatureMethod = in.Method
		signer.IPAddress = client.IPAddress
		signer.UserAgent = client.UserAgent
		if err := tx.UpdateSigner(ctx, *signer); err != nil {
			return err
		}
		return e.trail(ctx, tx, acc.session.ID, signer.ID, model.SigningEventSigned, client, map[string]any{
			"signer_name":      signer.SignerName,
			"signature_method": signer.SignatureMethod,
			"fields_filled":    filled,
		})
	})
	if err == nil && denied != nil {
		e.afterDenial(acc, denied)
		err = denied
	}
	if err != nil {
		return model.SigningSessionSigner{}, err
	}

	span.SetAttributes(
		observability.AttrSessionID.String(acc.session.ID),
		observability.AttrSignerID.String(acc.signer.ID),
	)
	e.record(model.SigningEventSigned)
	e.logger.Info("signature captured",
		zap.String("session_id", acc.session.ID),
		zap.String("signer_id", acc.signer.ID),
		zap.String("method", acc.signer.SignatureMethod),
		zap.Int("fields_filled", filled),
	)
	return acc.signer, nil
}

// DeclineSigning records that the signer refuses to sign and cancels the
// session. Declining again with the same token does nothing.
func (e *Engine) DeclineSigning(ctx context.Context, raw string, client model.ClientInfo, reason string) (err error) {
	ctx, span := observability.StartSpan(ctx, "signing.decline")
	defer func() { observability.EndSpanWithError(span, err) }()

	var (
		acc      access
		denied   error
		declined bool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = e.authorize(ctx, tx, raw, client)
		if err != nil {
			if model.IsCode(err, model.ErrTokenAlreadyUsed) && acc.signer.Status == model.SignerDeclined {
				return nil
			}
			if denial(err) {
				denied = err
				return nil
			}
			return err
		}

		next, err := transition(ctx, acc.signer.Status, triggerDecline)
		if err != nil {
			return err
		}
		acc.signer.Status = next
		acc.signer.IPAddress = client.IPAddress
		acc.signer.UserAgent = client.UserAgent
		if err := tx.UpdateSigner(ctx, acc.signer); err != nil {
			return err
		}
		if err := e.trail(ctx, tx, acc.session.ID, acc.signer.ID, model.SigningEventDeclined, client, map[string]any{
			"signer_name": acc.signer.SignerName,
			"reason":      reason,
		}); err != nil {
			return err
		}

		acc.session.Status = model.SessionStatusCancelled
		if err := tx.UpdateSession(ctx, acc.session); err != nil {
			return err
		}
		declined = true
		return e.trail(ctx, tx, acc.session.ID, acc.signer.ID, model.SigningEventCancelled, client, map[string]any{
			"reason": "signer declined",
		})
	})
	if err == nil && denied != nil {
		e.afterDenial(acc, denied)
		err = denied
	}
	if err != nil || !declined {
		return err
	}

	e.record(model.SigningEventDeclined, model.SigningEventCancelled)
	e.logger.Info("signer declined",
		zap.String("session_id", acc.session.ID),
		zap.String("signer_id", acc.signer.ID),
	)
	if acc.session.InitiatorEmail != "" {
		e.deliver(ctx, model.Notification{
			Kind:       model.NotifyDeclined,
			Recipient:  acc.session.InitiatorEmail,
			Subject:    fmt.Sprintf("%s declined to sign", acc.signer.SignerName),
			ContractID: acc.session.ContractID,
			SessionID:  acc.session.ID,
			SignerID:   acc.signer.ID,
			Data: map[string]any{
				"signer_name":  acc.signer.SignerName,
				"signer_email": acc.signer.SignerEmail,
				"reason":       reason,
			},
			CreatedAt: e.now().UTC(),
		})
	}
	return nil
}
