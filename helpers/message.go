package helpers

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// ParsedMessage is the structured view of an inbound message that the
// routing engine consumes. Subject, Text and HTML are decoded strings;
// Subject and Text are coerced to "" when absent so that downstream
// persistence never sees a null-like value.
type ParsedMessage struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
	Date    time.Time
}

// ParseMessage parses a raw RFC 5322 message. MIME multiparts are walked
// depth first; the first text/plain part becomes Text and the first
// text/html part becomes HTML. When a message carries only HTML, Text is
// derived from it so the plain-text contract holds.
func ParseMessage(r io.Reader) (*ParsedMessage, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	header := mail.Header{Header: entity.Header}

	parsed := &ParsedMessage{}
	parsed.Subject, _ = header.Subject()
	if date, err := header.Date(); err == nil {
		parsed.Date = date
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = NormalizeAddress(from[0].Address)
	}
	for _, field := range []string{"To", "Cc"} {
		if list, err := header.AddressList(field); err == nil {
			for _, a := range list {
				parsed.To = append(parsed.To, NormalizeAddress(a.Address))
			}
		}
	}

	if err := extractBodies(entity, parsed); err != nil {
		return nil, err
	}

	if parsed.Text == "" && parsed.HTML != "" {
		parsed.Text = html2text.HTML2Text(parsed.HTML)
	}

	return parsed, nil
}

// extractBodies walks the MIME tree and fills in the first plain-text and
// HTML bodies it encounters.
func extractBodies(entity *message.Entity, parsed *ParsedMessage) error {
	mediaType, _, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if message.IsUnknownCharset(err) {
					continue
				}
				return fmt.Errorf("failed to read multipart: %w", err)
			}
			if err := extractBodies(part, parsed); err != nil {
				return err
			}
		}
	}

	switch mediaType {
	case "text/plain", "":
		if parsed.Text == "" {
			content, err := io.ReadAll(entity.Body)
			if err != nil {
				return fmt.Errorf("failed to read text body: %w", err)
			}
			parsed.Text = string(content)
		}
	case "text/html":
		if parsed.HTML == "" {
			content, err := io.ReadAll(entity.Body)
			if err != nil {
				return fmt.Errorf("failed to read html body: %w", err)
			}
			parsed.HTML = string(content)
		}
	}
	return nil
}
