// Package email sends incident notifications over SMTP.
package email

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/thynklab/thynkbot/internal/coach"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// IncidentMailer emails each safeguarding incident to the school's
// safeguarding contact. Implements coach.Notifier.
type IncidentMailer struct {
	cfg SMTPConfig
	to  string
}

func NewIncidentMailer(cfg SMTPConfig, to string) *IncidentMailer {
	return &IncidentMailer{cfg: cfg, to: to}
}

// Enabled reports whether the mailer has enough configuration to send.
func (m *IncidentMailer) Enabled() bool {
	return m.cfg.Host != "" && m.cfg.From != "" && m.to != ""
}

func (m *IncidentMailer) NotifyIncident(inc coach.Incident) {
	if !m.Enabled() {
		return
	}
	subject := fmt.Sprintf("Safeguarding alert - %s", inc.SchoolName)
	body := fmt.Sprintf(
		"A safeguarding lock was triggered.\r\n\r\n"+
			"Time: %s\r\nRoom: %s\r\nPhase: %s\r\n\r\n"+
			"Student message: %q\r\nAI safety analysis: %q\r\n\r\n"+
			"The session is suspended until a teacher enters the override code.\r\n",
		inc.OccurredAt.Format("2006-01-02 15:04:05"), inc.Room, inc.Stage, inc.Message, inc.Reason,
	)
	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		m.cfg.From, m.to, subject, body,
	))

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var a smtp.Auth
	if m.cfg.User != "" {
		a = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, a, m.cfg.From, []string{m.to}, msg); err != nil {
		log.Printf("email: incident notification failed incident=%s err=%v", inc.ID, err)
	}
}
