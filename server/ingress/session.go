package ingress

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/hato/helpers"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
	"github.com/migadu/hato/router"
)

// Session is one SMTP session. The whitelist gate sits on RCPT TO so
// unwanted traffic is refused before any data is transferred.
type Session struct {
	backend *Backend
	conn    *smtp.Conn
	remote  string

	sender     string
	recipients []string
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	// The service is receive only and accepts any syntactically plausible
	// sender, including the empty reverse path used by bounces.
	s.sender = helpers.NormalizeAddress(from)
	s.recipients = nil
	logger.Debug("MAIL FROM accepted", "sender", s.sender, "remote", s.remote)
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	recipient := helpers.NormalizeAddress(to)

	if _, _, err := helpers.SplitEmailAddress(recipient); err != nil {
		metrics.RecipientsTotal.WithLabelValues("invalid").Inc()
		logger.Debug("RCPT TO rejected, malformed address", "recipient", to, "remote", s.remote)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	if !s.backend.admission.IsAllowed(recipient) {
		metrics.RecipientsTotal.WithLabelValues("denied").Inc()
		logger.Info("RCPT TO denied, domain not whitelisted",
			"recipient", recipient, "sender", s.sender, "remote", s.remote)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Recipient address rejected: domain not handled here",
		}
	}

	metrics.RecipientsTotal.WithLabelValues("accepted").Inc()
	s.recipients = append(s.recipients, recipient)
	logger.Debug("RCPT TO accepted", "recipient", recipient, "remote", s.remote)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if s.sender == "" && len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	// Admission under the hard ceiling happens before the data transfer
	// so an overloaded server sheds load without reading the body.
	release, err := s.backend.limiter.Begin()
	if err != nil {
		logger.Warn("DATA rejected, ingestion queue full",
			"in_flight", s.backend.limiter.InFlight(), "remote", s.remote)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 2},
			Message:      "Server busy, try again later",
		}
	}

	var buf bytes.Buffer
	reader := io.Reader(r)
	if s.backend.maxMessageSize > 0 {
		// One extra byte to detect an oversized message.
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		release()
		logger.Warn("failed to read message data", "remote", s.remote, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}
	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		release()
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("Message exceeds maximum size of %d bytes", s.backend.maxMessageSize),
		}
	}

	metrics.MessageSizeBytes.Observe(float64(buf.Len()))

	sender := s.sender
	recipients := append([]string(nil), s.recipients...)
	raw := append([]byte(nil), buf.Bytes()...)

	// The message is accepted now. Parsing and routing happen after the
	// 250 reply; their failures are logged, not reported to the sender.
	go s.backend.process(release, sender, recipients, raw)
	return nil
}

// process runs one admitted message through the routing engine, bounded
// by the soft concurrency limit. release frees the hard-ceiling slot and
// runs on every exit path, panics included.
func (b *Backend) process(release func(), sender string, recipients []string, raw []byte) {
	defer release()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message processing panicked", "panic", r)
		}
	}()

	start := time.Now()

	// procCtx survives shutdown: admitted messages queue for a slot and
	// route with a live context until the drain completes or times out.
	if err := b.limiter.Acquire(b.procCtx); err != nil {
		logger.Error("failed to acquire processing slot",
			"sender", sender, "recipients", recipients, "error", err)
		return
	}
	defer b.limiter.Release()

	for _, recipient := range recipients {
		env := &router.Envelope{
			Sender:    sender,
			Recipient: recipient,
			Raw:       raw,
		}
		if err := b.processor.Process(b.procCtx, env); err != nil {
			logger.Error("post-acceptance processing failed",
				"sender", sender, "recipient", recipient, "error", err)
		}
	}

	logger.Debug("message processed",
		"sender", sender, "recipients", len(recipients), "duration", time.Since(start))
}

func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.backend.sessionClosed()
	logger.Debug("SMTP session closed", "remote", s.remote)
	return nil
}
