package mailer

import (
	"context"
	"fmt"

	"authly/internal/models"

	"gopkg.in/gomail.v2"
)

// Mailer delivers messages over SMTP. The dialer is cheap; gomail opens
// a connection per send.
type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (m *Mailer) Send(ctx context.Context, message models.Message) error {
	const op = "mailer.Send"

	msg := gomail.NewMessage()
	msg.SetHeader("To", message.To)
	msg.SetHeader("From", m.From)
	msg.SetHeader("Subject", message.Subject)

	msg.SetBody("text/html", message.HTML)

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)

	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
}
