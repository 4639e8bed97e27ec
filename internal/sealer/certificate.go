package sealer

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/pitabwire/covenant/model"
)

// CertificateInput is everything printed on a completion certificate.
type CertificateInput struct {
	ContractTitle string
	Session       model.SigningSession
	Signers       []model.SigningSessionSigner
	Trail         []model.SigningAuditEntry
	// FinalHash is the hash of the sealed document.
	FinalHash   string
	CompletedAt time.Time
}

const certificateText = `CERTIFICATE OF COMPLETION
=========================

Contract:            {{ .ContractTitle }}
Contract ID:         {{ .Session.ContractID }}
Signing session:     {{ .Session.ID }}
Signing order:       {{ .Session.SigningOrder }}
Original SHA-256:    {{ .Session.DocumentHash }}
Sealed SHA-256:      {{ .FinalHash }}
Initiated:           {{ ts .Session.CreatedAt }}
Completed:           {{ ts .CompletedAt }}

SIGNERS
-------
{{- range .Signers }}
{{ .SigningOrder }}. {{ .SignerName }} <{{ .SignerEmail }}>
   Type:      {{ .SignerType }}
   Status:    {{ .Status }}
   Sent:      {{ tsp .SentAt }}
   Viewed:    {{ tsp .ViewedAt }}
   Signed:    {{ tsp .SignedAt }}
   Method:    {{ or .SignatureMethod "-" }}
   IP:        {{ or .IPAddress "-" }}
   Device:    {{ or .UserAgent "-" }}
{{- end }}

AUDIT TRAIL
-----------
{{- range .Trail }}
{{ ts .CreatedAt }}  {{ printf "%-14s" .Event }}  signer={{ or .SignerID "-" }}  ip={{ or .IPAddress "-" }}
{{- end }}
`

var certificateTemplate = template.Must(template.New("certificate").Funcs(template.FuncMap{
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
	"tsp": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(certificateText))

// GenerateCertificate renders the completion certificate as UTF-8 text.
func GenerateCertificate(in CertificateInput) ([]byte, error) {
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, in); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}
