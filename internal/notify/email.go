package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

// Sender is the part of *gomail.Dialer the email notifier needs.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailNotifier struct {
	sender Sender
	from   string
	dir    AccountDirectory
}

func NewEmailNotifier(sender Sender, from string, dir AccountDirectory) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: from, dir: dir}
}

// NewSMTPDialer builds the gomail dialer used in production.
func NewSMTPDialer(host string, port int, username, password string) *gomail.Dialer {
	return gomail.NewDialer(host, port, username, password)
}

// Notify mails the villager and, when one is assigned, the health worker.
// Accounts without an email address are skipped.
func (n *EmailNotifier) Notify(ctx context.Context, a *appointment.Appointment, kind appointment.NotificationKind) error {
	recipients, err := n.recipients(ctx, a)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	msg, err := n.buildMessage(recipients, a, kind)
	if err != nil {
		return err
	}
	if err := n.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("send appointment email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) recipients(ctx context.Context, a *appointment.Appointment) ([]string, error) {
	accounts := []*appointment.Account{}
	villager, err := n.dir.GetAccountByID(ctx, a.VillagerID)
	if err != nil {
		return nil, fmt.Errorf("resolve villager %s: %w", a.VillagerID, err)
	}
	accounts = append(accounts, villager)

	if a.HealthWorkerID != nil {
		hw, err := n.dir.GetAccountByID(ctx, *a.HealthWorkerID)
		if err != nil {
			return nil, fmt.Errorf("resolve health worker %s: %w", *a.HealthWorkerID, err)
		}
		accounts = append(accounts, hw)
	}

	var out []string
	for _, acc := range accounts {
		if acc.Email != nil && strings.TrimSpace(*acc.Email) != "" {
			out = append(out, *acc.Email)
		}
	}
	return out, nil
}

func subjectFor(kind appointment.NotificationKind) string {
	switch kind {
	case appointment.NotifyCreated:
		return "New Appointment Created"
	case appointment.NotifyApproved:
		return "Appointment Approved"
	case appointment.NotifyCompleted:
		return "Appointment Completed"
	case appointment.NotifyCancelled:
		return "Appointment Cancelled"
	}
	return "Appointment Updated"
}

var htmlBody = template.Must(template.New("appointment").Parse(`<p>{{.Subject}}</p>
<table>
<tr><td>Date</td><td>{{.Date}}</td></tr>
<tr><td>Time</td><td>{{.Time}}</td></tr>
<tr><td>Status</td><td>{{.Status}}</td></tr>
<tr><td>Urgency</td><td>{{.Urgency}}</td></tr>
<tr><td>Reason</td><td>{{.Reason}}</td></tr>
{{if .Note}}<tr><td>Note</td><td>{{.Note}}</td></tr>{{end}}
</table>
<p>Reference: {{.Token}}</p>
`))

type emailView struct {
	Subject string
	Date    string
	Time    string
	Status  string
	Urgency string
	Reason  string
	Note    string
	Token   string
}

func (n *EmailNotifier) buildMessage(to []string, a *appointment.Appointment, kind appointment.NotificationKind) (*gomail.Message, error) {
	view := emailView{
		Subject: subjectFor(kind),
		Date:    a.Date.Format("Jan 02, 2006"),
		Time:    a.Time.String(),
		Status:  string(a.Status),
		Urgency: string(a.Urgency),
		Reason:  a.Reason,
		Note:    a.Note,
		Token:   a.Token.String(),
	}

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("render appointment email: %w", err)
	}

	text := fmt.Sprintf("%s\n\nDate: %s\nTime: %s\nStatus: %s\nUrgency: %s\nReason: %s\n",
		view.Subject, view.Date, view.Time, view.Status, view.Urgency, view.Reason)
	if view.Note != "" {
		text += "Note: " + view.Note + "\n"
	}
	text += "\nReference: " + view.Token + "\n"

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", view.Subject)
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", html.String())
	return m, nil
}
