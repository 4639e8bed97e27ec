package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/signing"
	"github.com/pitabwire/covenant/model"
)

func (a *api) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var in signing.SessionInput
	if err := decodeJSON(r, &in); err != nil {
		WriteError(w, err)
		return
	}
	sess, err := a.signing.CreateSession(r.Context(), actorOf(r), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	signers, err := a.signing.Signers(r.Context(), sess.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"session": sess, "signers": signers})
}

func (a *api) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	sess, err := a.signing.Session(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	signers, err := a.signing.Signers(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	fields, err := a.signing.Fields(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"session": sess, "signers": signers, "fields": fields})
}

func (a *api) handleSessionAdvance(w http.ResponseWriter, r *http.Request) {
	sess, err := a.signing.AdvanceSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (a *api) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	sess, err := a.signing.CancelSession(r.Context(), actorOf(r), chi.URLParam(r, "sessionId"), body.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (a *api) handleSessionCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.signing.Certificate(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(cert)
}

func (a *api) handleSessionTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := a.ledger.SigningTrail(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": trail})
}

// The raw token is delivered to the signer only, never to the caller.
func (a *api) handleSignerSend(w http.ResponseWriter, r *http.Request) {
	signerID := chi.URLParam(r, "signerId")
	if _, err := a.signing.SendToSigner(r.Context(), actorOf(r), signerID); err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"signer_id": signerID, "status": "sent"})
}

func (a *api) handleSignerRemind(w http.ResponseWriter, r *http.Request) {
	signerID := chi.URLParam(r, "signerId")
	if _, err := a.signing.SendReminder(r.Context(), actorOf(r), signerID); err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"signer_id": signerID, "status": "reminded"})
}

// --- public signing routes ---

// signingView is what a signer sees through their link.
type signingView struct {
	Signer  signerView          `json:"signer"`
	Session sessionView         `json:"session"`
	Fields  []model.SigningField `json:"fields"`
}

type signerView struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Email    string             `json:"email"`
	Order    int                `json:"signing_order"`
	Status   model.SignerStatus `json:"status"`
	ViewedAt *time.Time         `json:"viewed_at,omitempty"`
}

type sessionView struct {
	ID                    string    `json:"id"`
	ContractID            string    `json:"contract_id"`
	Status                string    `json:"status"`
	SigningOrder          string    `json:"signing_order"`
	DocumentHash          string    `json:"document_hash"`
	RequireAllPagesViewed bool      `json:"require_all_pages_viewed"`
	RequirePageInitials   bool      `json:"require_page_initials"`
	ExpiresAt             time.Time `json:"expires_at"`
}

func (a *api) handleSignView(w http.ResponseWriter, r *http.Request) {
	signer, sess, err := a.signing.ValidateToken(r.Context(), chi.URLParam(r, "token"), clientInfo(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	all, err := a.signing.Fields(r.Context(), sess.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	fields := make([]model.SigningField, 0, len(all))
	for _, f := range all {
		if f.AssignedSignerID == signer.ID {
			fields = append(fields, f)
		}
	}
	WriteJSON(w, http.StatusOK, signingView{
		Signer: signerView{
			ID:       signer.ID,
			Name:     signer.SignerName,
			Email:    signer.SignerEmail,
			Order:    signer.SigningOrder,
			Status:   signer.Status,
			ViewedAt: signer.ViewedAt,
		},
		Session: sessionView{
			ID:                    sess.ID,
			ContractID:            sess.ContractID,
			Status:                sess.Status,
			SigningOrder:          sess.SigningOrder,
			DocumentHash:          sess.DocumentHash,
			RequireAllPagesViewed: sess.RequireAllPagesViewed,
			RequirePageInitials:   sess.RequirePageInitials,
			ExpiresAt:             sess.ExpiresAt,
		},
		Fields: fields,
	})
}

// handleSignCapture records the signature and then moves the session on.
// The signature is kept even if advancing fails; the admin advance route
// retries that step.
func (a *api) handleSignCapture(w http.ResponseWriter, r *http.Request) {
	var body struct {
		// SignatureImage is base64 encoded in JSON.
		SignatureImage []byte            `json:"signature_image"`
		Method         string            `json:"signature_method"`
		Fields         map[string]string `json:"fields"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	signer, err := a.signing.CaptureSignature(r.Context(), chi.URLParam(r, "token"), clientInfo(r), signing.Capture{
		Image:  body.SignatureImage,
		Method: body.Method,
		Fields: body.Fields,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	status := model.SessionStatusActive
	sess, err := a.signing.AdvanceSession(r.Context(), signer.SessionID)
	if err != nil {
		observability.RequestLogger(r.Context(), a.logger).Error("advance after signature failed",
			zap.String("session_id", signer.SessionID),
			zap.String("signer_id", signer.ID),
			zap.Error(err),
		)
	} else {
		status = sess.Status
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"signer_id":      signer.ID,
		"status":         signer.Status,
		"signed_at":      signer.SignedAt,
		"session_status": status,
	})
}

func (a *api) handleSignDecline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if err := a.signing.DeclineSigning(r.Context(), chi.URLParam(r, "token"), clientInfo(r), body.Reason); err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": string(model.SignerDeclined)})
}
