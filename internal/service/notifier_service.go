package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avoinkirjasto/patron-auth-api/internal/models"
	"github.com/avoinkirjasto/patron-auth-api/pkg/config"
	"github.com/avoinkirjasto/patron-auth-api/pkg/jobs"
	"github.com/avoinkirjasto/patron-auth-api/pkg/mail"
)

const jobTypeBreachEmail = "breach_email"

// NotifierService sends security emails to patrons through the background
// jobs queue, so a slow or failing SMTP relay never holds up a revocation.
type NotifierService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotifierService wires a mailer into a retrying dispatch queue.
func NewNotifierService(mailer mail.Mailer, cfg config.MailConfig, logger *zap.Logger) *NotifierService {
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := func(ctx context.Context, job jobs.Job) error {
		msg, ok := job.Payload.(mail.Message)
		if !ok {
			return fmt.Errorf("unexpected payload type for job %s", job.ID)
		}
		return mailer.Send(msg)
	}

	queue := jobs.NewQueue("mail", handler, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})

	return &NotifierService{queue: queue, logger: logger}
}

// Start begins queue consumption.
func (s *NotifierService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the queue workers.
func (s *NotifierService) Stop() {
	s.queue.Stop()
}

// NotifyBreach queues the warning email sent when a stolen login token is
// detected. Returns an error only when the message cannot even be queued.
func (s *NotifierService) NotifyBreach(user *models.User, detected time.Time) error {
	body := fmt.Sprintf(
		"Hello %s,\n\n"+
			"A saved login for your account was used with an outdated secret on %s. "+
			"This usually means a device that held your \"remember me\" cookie was compromised.\n\n"+
			"All saved logins and active sessions for your account have been signed out as a precaution. "+
			"Your password has not been changed, but we recommend changing it if you do not recognise this activity.\n",
		user.FullName,
		detected.Format(time.RFC1123),
	)

	return s.queue.Enqueue(jobs.Job{
		ID:   uuid.NewString(),
		Type: jobTypeBreachEmail,
		Payload: mail.Message{
			To:      user.Email,
			Subject: "Suspicious use of a saved login on your account",
			Body:    body,
		},
	})
}
