package mailer

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	raw, err := Render("svc@example.com", Message{
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "Job done",
		Body:    "line1\nline2",
	})
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, "From: <svc@example.com>\r\n")
	assert.Contains(t, out, "a@example.com")
	assert.Contains(t, out, "b@example.com")
	assert.Contains(t, out, "Subject: Job done\r\n")
	assert.Contains(t, out, "Date: ")
	assert.Contains(t, out, "line1")
	assert.Contains(t, out, "line2")
}

func TestRenderHeaders(t *testing.T) {
	tests := []struct {
		name        string
		subject     string
		contains    string
		notContains string
	}{
		{
			name:        "line breaks are removed",
			subject:     "Job x done\r\nBcc: victim@example.com",
			contains:    "Bcc: victim@example.com",
			notContains: "\r\nBcc:",
		},
		{
			name:        "non-ASCII is encoded",
			subject:     "Job Größe done",
			contains:    "=?UTF-8?",
			notContains: "Größe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Render("svc@example.com", Message{To: []string{"a@example.com"}, Subject: tt.subject, Body: "b"})
			require.NoError(t, err)
			out := string(raw)
			assert.Contains(t, out, tt.contains)
			assert.NotContains(t, out, tt.notContains)
		})
	}
}

func TestHeaderValue(t *testing.T) {
	assert.Equal(t, "a b c", headerValue("a\r\nb\nc"))
	assert.Equal(t, "plain", headerValue("plain"))
}

func TestBuildRejectsBadAddresses(t *testing.T) {
	_, err := Build("svc@example.com", Message{To: []string{"not an address"}})
	assert.Error(t, err)

	_, err = Build("", Message{To: []string{"a@example.com"}})
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Send(context.Background(), Message{To: []string{"x"}, Subject: "s"}))
	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s", msgs[0].Subject)
	r.Reset()
	assert.Empty(t, r.Messages())
}

// fakeSMTP accepts one message and returns its DATA section.
func fakeSMTP(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	data := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
		reply := func(s string) {
			_, _ = rw.WriteString(s + "\r\n")
			_ = rw.Flush()
		}
		reply("220 localhost ESMTP")
		var body strings.Builder
		inData := false
		for {
			line, err := rw.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					data <- body.String()
					reply("250 OK")
					continue
				}
				body.WriteString(line)
				continue
			}
			switch cmd := strings.ToUpper(strings.TrimSpace(line)); {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case cmd == "DATA":
				inData = true
				reply("354 go ahead")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 OK")
			}
		}
	}()
	return ln.Addr().String(), data
}

func TestSMTPSend(t *testing.T) {
	addr, data := fakeSMTP(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	m := NewSMTP(host, p, "svc@example.com")
	err = m.Send(context.Background(), Message{To: []string{"admin@example.com"}, Subject: "hello", Body: "body text"})
	require.NoError(t, err)

	got := <-data
	assert.Contains(t, got, "Subject: hello")
	assert.Contains(t, got, "body text")
}

func TestSMTPSendNoRecipients(t *testing.T) {
	m := NewSMTP("localhost", 0, "svc@example.com")
	assert.Equal(t, 25, m.Port)
	assert.Error(t, m.Send(context.Background(), Message{Subject: "x"}))
}
