package notify

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/backup"
	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/errdefs"
)

func successResult() *backup.BackupResult {
	return &backup.BackupResult{
		DatabaseID:     "myapp_db",
		SchedulePrefix: "daily",
		Status:         backup.StatusSuccess,
		State:          backup.StateCleanupSucceeded,
		Artifact: &artifact.Artifact{
			Key:      "dbsavr/myapp_db/daily/myapp_db_20250312_100000.sql.gz",
			Size:     3 * 1024 * 1024 / 2,
			Duration: 2500 * time.Millisecond,
		},
		Location:     "s3://backups/dbsavr/myapp_db/daily/myapp_db_20250312_100000.sql.gz",
		DeletedCount: 4,
	}
}

func failureResult() *backup.BackupResult {
	return &backup.BackupResult{
		DatabaseID:  "myapp_db",
		Status:      backup.StatusFailure,
		State:       backup.StateFailed,
		FailedStage: backup.StateDumping,
		Err:         &errdefs.DumpError{Tool: "pg_dump", ExitCode: 1, Stderr: "connection refused"},
	}
}

func TestSuccessMessage(t *testing.T) {
	subject, body := SuccessMessage(successResult())

	assert.Equal(t, "Backup Successful: myapp_db", subject)
	assert.Contains(t, body, "Database: myapp_db\n")
	assert.Contains(t, body, "Schedule: daily\n")
	assert.Contains(t, body, "Backup Size: 1.50 MB (1.5 MiB)\n")
	assert.Contains(t, body, "S3 Location: s3://backups/dbsavr/myapp_db/daily/myapp_db_20250312_100000.sql.gz\n")
	assert.Contains(t, body, "Duration: 2.50 seconds\n")
	assert.Contains(t, body, "Old Backups Removed: 4\n")
	assert.NotContains(t, body, "Not Removed")
}

func TestSuccessMessageListsUndeletedKeys(t *testing.T) {
	r := successResult()
	r.Cleanup = &backup.CleanupResult{Failed: map[string]error{
		"dbsavr/myapp_db/daily/b.sql.gz": errors.New("denied"),
		"dbsavr/myapp_db/daily/a.sql.gz": errors.New("denied"),
	}}

	_, body := SuccessMessage(r)
	assert.Contains(t, body, "Old Backups Not Removed: 2 (dbsavr/myapp_db/daily/a.sql.gz, dbsavr/myapp_db/daily/b.sql.gz)")
}

func TestFailureMessage(t *testing.T) {
	subject, body := FailureMessage(failureResult())

	assert.Equal(t, "Backup Failed: myapp_db", subject)
	assert.Contains(t, body, "Stage: dumping\n")
	assert.Contains(t, body, "Error Kind: dump\n")
	assert.Contains(t, body, "connection refused")
	assert.NotContains(t, body, "Schedule:")
}

func TestFromConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()

	assert.IsType(t, Nop{}, FromConfig(&config.AppConfig{}, logger))

	n := FromConfig(&config.AppConfig{
		NotificationsEmail: "ops@example.com",
		SMTP:               config.SMTPConfig{Server: "smtp.example.com", Port: 587, UseTLS: true, UseSSL: true},
	}, logger)
	email, ok := n.(*EmailNotifier)
	require.True(t, ok)
	assert.False(t, email.smtp.UseSSL)
	assert.Equal(t, "db-backup@example.com", email.smtp.Sender)
}

// fakeSMTP accepts a single plain SMTP session and returns the DATA payload.
func fakeSMTP(t *testing.T) (string, int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		defer close(out)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		reply("220 localhost ESMTP")

		var data strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL FROM"), strings.HasPrefix(cmd, "RCPT TO"):
				reply("250 OK")
			case cmd == "DATA":
				reply("354 go ahead")
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					data.WriteString(l)
				}
				reply("250 queued")
				out <- data.String()
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("502 unsupported")
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port, out
}

func TestNotifySendsMail(t *testing.T) {
	host, port, received := fakeSMTP(t)
	logger, hook := test.NewNullLogger()

	n := NewEmailNotifier("ops@example.com", config.SMTPConfig{
		Server: host,
		Port:   port,
		Sender: "backups@example.com",
	}, logger)
	n.now = func() time.Time { return time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC) }

	require.NoError(t, n.Notify(context.Background(), failureResult()))

	msg := <-received
	assert.Contains(t, msg, "From: backups@example.com\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, "Subject: Backup Failed: myapp_db\r\n")
	assert.Contains(t, msg, "Date: Wed, 12 Mar 2025 10:00:00 +0000\r\n")
	assert.Contains(t, msg, "Error Kind: dump\r\n")
	assert.Equal(t, "Sent email notification: Backup Failed: myapp_db", hook.LastEntry().Message)
}

func TestNotifyDeliveryFailureIsLogged(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	logger, hook := test.NewNullLogger()
	n := NewEmailNotifier("ops@example.com", config.SMTPConfig{Server: "127.0.0.1", Port: addr.Port}, logger)

	err = n.Notify(context.Background(), successResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to SMTP server")
	assert.Equal(t, "Failed to send email notification", hook.LastEntry().Message)
}
