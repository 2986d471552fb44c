package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/Dan9191/card-ledger/internal/config"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/utils"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// NotifyTransaction sends the card holder a notice about a committed transaction
func (s *Sender) NotifyTransaction(ctx context.Context, owner *models.Owner, card *models.Card, record *models.TransactionRecord) error {
	if owner.Email == "" {
		s.logger.WithField("owner_id", owner.ID).Debug("Owner has no email, notification skipped")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e, err := s.transactionEmail(owner, card, record)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	if err := s.send(e, addr, auth); err != nil {
		s.logger.Errorf("Failed to send %s notification to %s: %v", record.Kind.Name(), owner.Email, err)
		return fmt.Errorf("failed to send %s notification: %w", record.Kind.Name(), err)
	}

	s.logger.Infof("Email sent to %s: %s", owner.Email, e.Subject)
	return nil
}

func (s *Sender) transactionEmail(owner *models.Owner, card *models.Card, record *models.TransactionRecord) (*email.Email, error) {
	sign, err := models.SignFor(record.Kind)
	if err != nil {
		return nil, err
	}

	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{owner.Email}
	e.Subject = fmt.Sprintf("%s Notification", record.Kind.Name())

	var body strings.Builder
	fmt.Fprintf(&body, "Dear %s,\n\n", owner.Username)
	if sign == models.Credit {
		fmt.Fprintf(&body, "Your card %s has been credited with %s %s.\n",
			card.MaskedNumber(), utils.FormatAmount(record.Amount), utils.Currency)
	} else {
		fmt.Fprintf(&body, "An amount of %s %s has been debited from your card %s.\n",
			utils.FormatAmount(record.Amount), utils.Currency, card.MaskedNumber())
	}
	if record.Description != "" {
		fmt.Fprintf(&body, "Description: %s\n", record.Description)
	}
	fmt.Fprintf(&body, "Transaction time: %s\n", record.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&body, "Current balance: %s %s\n", utils.FormatAmount(record.BalanceAfter), utils.Currency)
	body.WriteString("\nBest regards,\nCard Service")
	e.Text = []byte(body.String())
	return e, nil
}
