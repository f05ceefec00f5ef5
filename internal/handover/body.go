package handover

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultBodyTemplate is the handover notice sent to hubs.
const DefaultBodyTemplate = `Dear Team,
SOC gửi bàn giao hàng theo thông tin như sau:
LH_Trip : {{.Trip}}
Thời gian: {{.DisplayTime}}
Số lượng TO: {{.RequestedQty}}
Số lượng Order: {{.ActualQty}}
Chi tiết file đính kèm: `

// Body renders the notification text for a record. The template sees the
// Record fields; an empty template selects DefaultBodyTemplate.
type Body struct {
	tmpl *template.Template
}

// NewBody parses a body template.
func NewBody(text string) (*Body, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultBodyTemplate
	}
	tmpl, err := template.New("body").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse body template: %w", err)
	}
	return &Body{tmpl: tmpl}, nil
}

// Render executes the template for rec.
func (b *Body) Render(rec Record) (string, error) {
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, rec); err != nil {
		return "", fmt.Errorf("failed to render body for row %d: %w", rec.RowIndex, err)
	}
	return buf.String(), nil
}

// AttachmentName is the file name the exported handover sheet is sent as.
func AttachmentName(rec Record) string {
	for _, base := range []string{rec.Hub, rec.Trip} {
		base = strings.TrimSpace(base)
		if base == "" {
			continue
		}
		base = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(base)
		return base + ".xlsx"
	}
	return "handover.xlsx"
}
