package notify

import (
	"context"
	"fmt"

	"github.com/duecall/duecall/internal/mailer"
)

func (m *Manager) sendEmail(ctx context.Context, alert *Alert) {
	html, text, err := mailer.RenderJobFailure(mailer.JobFailureData{
		JobID:     alert.JobID,
		AppName:   alert.AppName,
		TaskType:  alert.TaskType,
		AccountID: alert.AccountID,
		Reason:    alert.Reason,
		FailedAt:  alert.FailedAt,
	})
	if err != nil {
		m.logger.Warn("alert email render failed", "job_id", alert.JobID, "error", err)
		return
	}

	subject := fmt.Sprintf("[duecall] job failed: %s/%s", alert.AppName, alert.TaskType)
	for _, to := range m.cfg.Email.To {
		msg := &mailer.Message{To: to, Subject: subject, HTML: html, Text: text}
		if err := m.mailer.Send(ctx, msg); err != nil {
			m.logger.Warn("alert email failed", "job_id", alert.JobID, "to", to, "error", err)
		}
	}
}
