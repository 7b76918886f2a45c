package notify

import (
	"context"
	"fmt"
)

// smsBodyLimit keeps alert texts inside a single SMS segment.
const smsBodyLimit = 160

// SMSPublisher delivers a text message to one phone number. The AWS SNS
// client is adapted to this interface so tests can substitute it.
type SMSPublisher interface {
	Publish(ctx context.Context, phoneNumber, message string) (messageID string, err error)
}

func (m *Manager) sendSMS(ctx context.Context, alert *Alert) {
	body := truncate(fmt.Sprintf("duecall: job %s (%s/%s) failed: %s",
		shortID(alert.JobID), alert.AppName, alert.TaskType, alert.Reason), smsBodyLimit)

	for _, to := range m.smsTo {
		if _, err := m.sms.Publish(ctx, to, body); err != nil {
			m.logger.Warn("alert sms failed", "job_id", alert.JobID, "to", to, "error", err)
		}
	}
}

// shortID returns the first UUID group, enough to find the job.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
