package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"auto-focus.app/licensing/internal/email"
)

const (
	TemplateLicenseCreated     = "license_created"
	TemplateLicenseReactivated = "license_reactivated"
	TemplateLicenseDeactivated = "license_deactivated"
	TemplateLicenseUpdated     = "license_updated"
)

// TemplateData is the payload every license email is rendered from.
type TemplateData struct {
	CustomerName string
	LicenseKeys  []string
	Plan         string
	ExpiresAt    time.Time
	Action       string
	SupportEmail string
}

func (d TemplateData) Expiry() string {
	if d.ExpiresAt.IsZero() {
		return "never"
	}
	return d.ExpiresAt.UTC().Format("January 2, 2006")
}

type UnknownTemplateError struct {
	Name string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown notification template %q", e.Name)
}

type entry struct {
	subject string
	tag     string
	body    *template.Template
}

type Templates struct {
	entries map[string]entry
}

const footer = `
If you have any questions, reply to this email{{if .SupportEmail}} or write to {{.SupportEmail}}{{end}}.

Best regards,
The Auto-Focus Team
`

var defaultTemplates = map[string]struct{ subject, body string }{
	TemplateLicenseCreated: {
		subject: "Your Auto-Focus+ License{{if gt (len .LicenseKeys) 1}}s{{end}}",
		body: `Hi {{.CustomerName}},

Thank you for purchasing Auto-Focus+ ({{.Plan}}).

{{if gt (len .LicenseKeys) 1}}Your license keys:{{else}}Your license key:{{end}}
{{range .LicenseKeys}}  {{.}}
{{end}}
Valid until: {{.Expiry}}

To activate, open Auto-Focus, go to Settings > License and paste a key.
` + footer,
	},
	TemplateLicenseReactivated: {
		subject: "Your Auto-Focus+ license is active",
		body: `Hi {{.CustomerName}},

Your payment went through and the following license{{if gt (len .LicenseKeys) 1}}s are{{else}} is{{end}} active again:
{{range .LicenseKeys}}  {{.}}
{{end}}
Valid until: {{.Expiry}}
` + footer,
	},
	TemplateLicenseDeactivated: {
		subject: "Your Auto-Focus+ license was deactivated",
		body: `Hi {{.CustomerName}},

The following license{{if gt (len .LicenseKeys) 1}}s were{{else}} was{{end}} deactivated:
{{range .LicenseKeys}}  {{.}}
{{end}}
You can restore access at any time by updating your payment method or resubscribing.
` + footer,
	},
	TemplateLicenseUpdated: {
		subject: "Your Auto-Focus+ licenses were updated",
		body: `Hi {{.CustomerName}},

Your Auto-Focus+ subscription ({{.Plan}}) changed. Affected licenses:
{{range .LicenseKeys}}  {{.}}
{{end}}
Valid until: {{.Expiry}}
` + footer,
	},
}

// DefaultTemplates parses the built-in license templates.
func DefaultTemplates() (*Templates, error) {
	t := &Templates{entries: make(map[string]entry, len(defaultTemplates))}
	for name, def := range defaultTemplates {
		if err := t.Add(name, def.subject, def.body); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func MustDefaultTemplates() *Templates {
	t, err := DefaultTemplates()
	if err != nil {
		panic(err)
	}
	return t
}

// Add registers or replaces a template. The subject is a template too.
func (t *Templates) Add(name, subject, body string) error {
	tmpl, err := template.New(name).Option("missingkey=error").Parse("{{define \"subject\"}}" + subject + "{{end}}" + body)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	if t.entries == nil {
		t.entries = make(map[string]entry)
	}
	t.entries[name] = entry{subject: subject, tag: name, body: tmpl}
	return nil
}

func (t *Templates) Has(name string) bool {
	if t == nil {
		return false
	}
	_, ok := t.entries[name]
	return ok
}

func (t *Templates) Render(name, to string, data TemplateData) (email.Message, error) {
	e, ok := t.entries[name]
	if !ok {
		return email.Message{}, &UnknownTemplateError{Name: name}
	}
	if data.CustomerName == "" {
		data.CustomerName = "there"
	}

	var subject, body bytes.Buffer
	if err := e.body.ExecuteTemplate(&subject, "subject", data); err != nil {
		return email.Message{}, fmt.Errorf("render subject %s: %w", name, err)
	}
	if err := e.body.Execute(&body, data); err != nil {
		return email.Message{}, fmt.Errorf("render body %s: %w", name, err)
	}

	return email.Message{
		To:      to,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
		Tag:     e.tag,
	}, nil
}
