package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Incident {{.EventLabel}}]
Incident: #{{.IncidentID}}
Event: {{.Summary}} (#{{.EventID}})
Element: {{.Element}}
Message: {{.Message}}
Severity: {{.Severity}}
Occurrences: {{.TotalIncidents}}
First Seen: {{.FirstEventTime}}
Last Seen: {{.LastEventTime}}
Current Status: {{.Status}}
{{- if .Actor }}
Changed By: {{.Actor}}
{{- end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	IncidentID     int64
	EventID        int64
	TeamID         int64
	Summary        string
	Severity       string
	Element        string
	Message        string
	TotalIncidents int
	FirstEventTime string
	LastEventTime  string
	Status         string
	Actor          string
	Event          string
	EventLabel     string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("incident-notification").Option("missingkey=error").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("incident template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
