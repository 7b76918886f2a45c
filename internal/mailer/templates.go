package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// JobFailureData fills the failure alert email template.
type JobFailureData struct {
	JobID     string
	AppName   string
	TaskType  string
	AccountID string
	Reason    string
	FailedAt  time.Time
}

var jobFailureTmpl = template.Must(template.New("job_failure").Parse(jobFailureHTML))

const jobFailureHTML = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 600px;">
<h2>Job failed: {{.AppName}}/{{.TaskType}}</h2>
<p>A job has exhausted its retries and was marked failed.</p>
<table cellpadding="4">
<tr><td><strong>Job ID:</strong></td> <td>{{.JobID}}</td></tr>
<tr><td><strong>App:</strong></td> <td>{{.AppName}}</td></tr>
<tr><td><strong>Task:</strong></td> <td>{{.TaskType}}</td></tr>
<tr><td><strong>Account:</strong></td> <td>{{.AccountID}}</td></tr>
<tr><td><strong>Failed at:</strong></td> <td>{{.FailedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
</table>
<p><strong>Reason:</strong> {{.Reason}}</p>
<p style="color: #777;">Check the job's attempt logs for the full history.</p>
</body>
</html>`

// RenderJobFailure renders the failure alert email, returning HTML and a
// plain-text fallback.
func RenderJobFailure(data JobFailureData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := jobFailureTmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("rendering job failure email: %w", err)
	}
	html = buf.String()
	return html, textFallback(html), nil
}

// textFallback strips markup and blank lines so the text part reads as a
// compact summary.
func textFallback(html string) string {
	var lines []string
	for _, line := range strings.Split(stripHTML(html), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// stripHTML removes tags, leaving only text content.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
