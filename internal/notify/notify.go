// Package notify raises operator alerts when a job fails for good. The
// Manager fans each failure out to the configured channels: structured log
// (always), email, SMS, and a signed webhook.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duecall/duecall/internal/config"
	"github.com/duecall/duecall/internal/jobs"
	"github.com/duecall/duecall/internal/mailer"
)

// alertTimeout bounds one fan-out delivery across all channels.
const alertTimeout = 10 * time.Second

// Alert is the payload delivered to alert channels.
type Alert struct {
	JobID     string    `json:"job_id"`
	AppName   string    `json:"app_name"`
	TaskType  string    `json:"task_type"`
	AccountID string    `json:"account_id"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Deps are the delivery transports. A nil field disables its channel.
type Deps struct {
	Mailer mailer.Mailer
	SMS    SMSPublisher
}

// Manager implements jobs.Alerter. Deliveries run in the background so the
// engine never waits on a slow channel; a failed delivery logs a warning.
type Manager struct {
	cfg     config.AlertsConfig
	logger  *slog.Logger
	mailer  mailer.Mailer
	sms     SMSPublisher
	smsTo   []string
	webhook *webhookSender

	wg sync.WaitGroup
}

// New builds a Manager from the alerts config. Phone numbers that fail E.164
// validation are skipped with a warning rather than failing startup.
func New(cfg config.AlertsConfig, logger *slog.Logger, deps Deps) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		mailer: deps.Mailer,
		sms:    deps.SMS,
	}
	for _, raw := range cfg.SMS.To {
		normalized, err := NormalizePhone(raw)
		if err != nil {
			logger.Warn("skipping invalid alert phone number", "number", raw)
			continue
		}
		m.smsTo = append(m.smsTo, normalized)
	}
	if cfg.Webhook.URL != "" {
		m.webhook = newWebhookSender(cfg.Webhook)
	}
	return m
}

// JobFailed records the failure and kicks off channel deliveries in the
// background. It returns immediately.
func (m *Manager) JobFailed(ctx context.Context, job *jobs.Job, reason string) {
	m.logger.Error("job failed permanently",
		"job_id", job.ID,
		"app_name", job.AppName,
		"task_type", job.TaskType,
		"account_id", job.AccountID,
		"reason", reason,
	)

	alert := &Alert{
		JobID:     job.ID,
		AppName:   job.AppName,
		TaskType:  job.TaskType,
		AccountID: job.AccountID,
		Reason:    reason,
		FailedAt:  time.Now().UTC(),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Detach from the engine's context so a shutdown mid-delivery
		// doesn't drop the alert, but still bound the attempt.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		m.deliver(dctx, alert)
	}()
}

// Close waits for in-flight deliveries to finish.
func (m *Manager) Close() {
	m.wg.Wait()
}

func (m *Manager) deliver(ctx context.Context, alert *Alert) {
	if m.mailer != nil && len(m.cfg.Email.To) > 0 {
		m.sendEmail(ctx, alert)
	}
	if m.sms != nil && len(m.smsTo) > 0 {
		m.sendSMS(ctx, alert)
	}
	if m.webhook != nil {
		if err := m.webhook.send(ctx, alert); err != nil {
			m.logger.Warn("alert webhook failed", "job_id", alert.JobID, "error", err)
		}
	}
}
