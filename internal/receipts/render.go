package receipts

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

const snapshotTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Receipt {{.Number}}</title></head>
<body>
<h1>Receipt</h1>
<table>
<tr><th>Receipt number</th><td>{{.Number}}</td></tr>
<tr><th>Date</th><td>{{.Date}}</td></tr>
<tr><th>Payment reference</th><td>{{.PaymentReference}}</td></tr>
{{- if .BilledTo}}
<tr><th>Billed to</th><td>{{.BilledTo}}</td></tr>
{{- end}}
<tr><th>Item</th><td>{{.Description}}</td></tr>
<tr><th>Credits</th><td>{{.Credits}}</td></tr>
<tr><th>Amount</th><td>{{.Amount}}</td></tr>
<tr><th>Payment method</th><td>{{.Method}}</td></tr>
</table>
</body>
</html>
`

const emailTemplate = `<!DOCTYPE html>
<html lang="en">
<body>
<p>Thank you for your purchase. Your receipt {{.Number}} is below.</p>
<p><a href="{{.DownloadURL}}">View or download your receipt</a></p>
<hr>
{{.Snapshot}}
</body>
</html>
`

// Renderer produces the immutable receipt snapshot and the email body around it.
type Renderer struct {
	snapshot *template.Template
	email    *template.Template
}

type snapshotView struct {
	Number           string
	Date             string
	PaymentReference string
	BilledTo         string
	Description      string
	Credits          int64
	Amount           string
	Method           string
}

type emailView struct {
	Number      string
	DownloadURL string
	Snapshot    template.HTML
}

// NewRenderer parses the receipt templates.
func NewRenderer() *Renderer {
	return &Renderer{
		snapshot: template.Must(template.New("snapshot").Parse(snapshotTemplate)),
		email:    template.Must(template.New("email").Parse(emailTemplate)),
	}
}

// RenderSnapshot renders the receipt fields as escaped HTML.
func (renderer *Renderer) RenderSnapshot(receipt Receipt) (string, error) {
	method := receipt.Method()
	methodSummary := method.Type
	if method.Brand != "" {
		methodSummary = method.Brand
	}
	view := snapshotView{
		Number:           receipt.ReceiptNumber,
		Date:             receipt.CreatedAt.UTC().Format("January 2, 2006"),
		PaymentReference: receipt.PaymentReference,
		BilledTo:         firstNonBlank(receipt.RecipientName, receipt.RecipientEmail),
		Description:      receipt.Description,
		Credits:          receipt.Credits,
		Amount:           FormatAmount(receipt.AmountMinor, receipt.Currency),
		Method:           fmt.Sprintf("%s ending in %s", methodSummary, method.Last4),
	}
	var buffer bytes.Buffer
	if err := renderer.snapshot.Execute(&buffer, view); err != nil {
		return "", fmt.Errorf("render snapshot: %w", err)
	}
	return buffer.String(), nil
}

// RenderEmail wraps a stored snapshot with the download link.
func (renderer *Renderer) RenderEmail(receipt Receipt, snapshot string, downloadURL string) (string, error) {
	var buffer bytes.Buffer
	view := emailView{
		Number:      receipt.ReceiptNumber,
		DownloadURL: downloadURL,
		// The snapshot was produced by RenderSnapshot and is already escaped.
		Snapshot: template.HTML(snapshot),
	}
	if err := renderer.email.Execute(&buffer, view); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buffer.String(), nil
}

// FormatAmount renders minor units as "12.34 USD".
func FormatAmount(amountMinor int64, currency string) string {
	sign := ""
	if amountMinor < 0 {
		sign = "-"
		amountMinor = -amountMinor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amountMinor/100, amountMinor%100, strings.ToUpper(currency))
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
