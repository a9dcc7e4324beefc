// Package notify sends backup outcome notifications.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/dbsavr/pkg/backup"
	"github.com/supporttools/dbsavr/pkg/config"
)

const defaultTimeout = 30 * time.Second

// Notifier reports the outcome of a backup run.
type Notifier interface {
	Notify(ctx context.Context, result *backup.BackupResult) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, *backup.BackupResult) error { return nil }

// EmailNotifier mails one recipient through an SMTP relay.
type EmailNotifier struct {
	smtp      config.SMTPConfig
	recipient string
	timeout   time.Duration
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewEmailNotifier returns a notifier for cfg. When both TLS and SSL are
// enabled STARTTLS is used.
func NewEmailNotifier(recipient string, cfg config.SMTPConfig, logger logrus.FieldLogger) *EmailNotifier {
	if cfg.UseSSL && cfg.UseTLS {
		logger.Warn("Both SMTP SSL and TLS are enabled. Using TLS.")
		cfg.UseSSL = false
	}
	if cfg.Sender == "" {
		cfg.Sender = "db-backup@example.com"
	}
	return &EmailNotifier{
		smtp:      cfg,
		recipient: recipient,
		timeout:   defaultTimeout,
		logger:    logger,
		now:       time.Now,
	}
}

// FromConfig returns an EmailNotifier when a recipient is configured and Nop
// otherwise.
func FromConfig(cfg *config.AppConfig, logger logrus.FieldLogger) Notifier {
	if cfg.NotificationsEmail == "" {
		return Nop{}
	}
	return NewEmailNotifier(cfg.NotificationsEmail, cfg.SMTP, logger)
}

// Notify sends a success or failure mail. Delivery errors are logged and
// returned; they never affect the run itself.
func (n *EmailNotifier) Notify(ctx context.Context, result *backup.BackupResult) error {
	var subject, body string
	if result.Succeeded() {
		subject, body = SuccessMessage(result)
	} else {
		subject, body = FailureMessage(result)
	}

	if err := n.send(ctx, subject, body); err != nil {
		n.logger.WithError(err).Error("Failed to send email notification")
		return err
	}
	n.logger.Infof("Sent email notification: %s", subject)
	return nil
}

// SuccessMessage renders the mail for a successful backup.
func SuccessMessage(r *backup.BackupResult) (string, string) {
	var size int64
	var duration time.Duration
	if r.Artifact != nil {
		size = r.Artifact.Size
		duration = r.Artifact.Duration
	}

	var b strings.Builder
	b.WriteString("Database Backup Completed Successfully\n\n")
	fmt.Fprintf(&b, "Database: %s\n", r.DatabaseID)
	if r.SchedulePrefix != "" {
		fmt.Fprintf(&b, "Schedule: %s\n", r.SchedulePrefix)
	}
	fmt.Fprintf(&b, "Backup Size: %.2f MB (%s)\n", float64(size)/(1024*1024), humanize.IBytes(uint64(size)))
	fmt.Fprintf(&b, "S3 Location: %s\n", r.Location)
	fmt.Fprintf(&b, "Duration: %.2f seconds\n", duration.Seconds())
	fmt.Fprintf(&b, "Old Backups Removed: %d\n", r.DeletedCount)
	if r.Cleanup != nil && len(r.Cleanup.Failed) > 0 {
		fmt.Fprintf(&b, "Old Backups Not Removed: %d (%s)\n", len(r.Cleanup.Failed), strings.Join(r.Cleanup.FailedKeys(), ", "))
	}
	b.WriteString("\nThis is an automated message from the database backup utility.\n")

	return "Backup Successful: " + r.DatabaseID, b.String()
}

// FailureMessage renders the mail for a failed backup.
func FailureMessage(r *backup.BackupResult) (string, string) {
	cause := "unknown error"
	if r.Err != nil {
		cause = r.Err.Error()
	}

	var b strings.Builder
	b.WriteString("Database Backup Failed\n\n")
	fmt.Fprintf(&b, "Database: %s\n", r.DatabaseID)
	if r.SchedulePrefix != "" {
		fmt.Fprintf(&b, "Schedule: %s\n", r.SchedulePrefix)
	}
	fmt.Fprintf(&b, "Stage: %s\n", r.FailedStage)
	fmt.Fprintf(&b, "Error Kind: %s\n", r.ErrorKind())
	fmt.Fprintf(&b, "Error: %s\n", cause)
	b.WriteString("\nPlease check the logs for more details.\n")
	b.WriteString("This is an automated message from the database backup utility.\n")

	return "Backup Failed: " + r.DatabaseID, b.String()
}

func (n *EmailNotifier) buildMessage(subject, body string) string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.smtp.Sender)
	fmt.Fprintf(&msg, "To: %s\r\n", n.recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return msg.String()
}

func (n *EmailNotifier) send(ctx context.Context, subject, body string) error {
	addr := net.JoinHostPort(n.smtp.Server, strconv.Itoa(n.smtp.Port))
	dialer := &net.Dialer{Timeout: n.timeout}
	tlsConfig := &tls.Config{ServerName: n.smtp.Server, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if n.smtp.UseSSL {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return errors.Wrap(err, "failed to connect to SMTP server")
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.timeout))

	client, err := smtp.NewClient(conn, n.smtp.Server)
	if err != nil {
		return errors.Wrap(err, "failed to create SMTP client")
	}
	defer client.Close()

	if n.smtp.UseTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return errors.Wrap(err, "failed to start TLS")
		}
	}
	if n.smtp.Username != "" && n.smtp.Password != "" {
		auth := smtp.PlainAuth("", n.smtp.Username, n.smtp.Password, n.smtp.Server)
		if err := client.Auth(auth); err != nil {
			return errors.Wrap(err, "SMTP authentication failed")
		}
	}

	if err := client.Mail(n.smtp.Sender); err != nil {
		return errors.Wrap(err, "failed to set sender")
	}
	if err := client.Rcpt(n.recipient); err != nil {
		return errors.Wrap(err, "failed to set recipient")
	}
	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "failed to start message")
	}
	if _, err := w.Write([]byte(n.buildMessage(subject, body))); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "failed to close message")
	}
	// The message is accepted once DATA is closed.
	_ = client.Quit()
	return nil
}
