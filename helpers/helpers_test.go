package helpers

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User@Example.COM", "user@example.com"},
		{"  user@example.com  ", "user@example.com"},
		{"<user@example.com>", "user@example.com"},
		{" <User@Example.com> ", "user@example.com"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeAddress(tc.in))
	}
}

func TestSplitEmailAddress(t *testing.T) {
	local, domain, err := SplitEmailAddress("User@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "user", local)
	assert.Equal(t, "example.com", domain)

	for _, bad := range []string{"", "nodomain", "@example.com", "user@", "a@b@c"} {
		_, _, err := SplitEmailAddress(bad)
		assert.Error(t, err, "address %q must be rejected", bad)
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("user@Example.COM"))
	assert.Equal(t, "c", DomainOf("a@b@c"))
	assert.Equal(t, "", DomainOf("nodomain"))
	assert.Equal(t, "", DomainOf("user@"))
	assert.Equal(t, "", DomainOf(""))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDuration("2d")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	d, err = ParseDuration("1.5d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	for _, bad := range []string{"", "abc", "12x", "d"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, "duration %q must be rejected", bad)
	}
}

func TestHashContent(t *testing.T) {
	a := HashContent([]byte("message body"))
	b := HashContent([]byte("message body"))
	c := HashContent([]byte("different body"))

	assert.Len(t, a, 64, "BLAKE3-256 digests are 32 bytes hex encoded")
	assert.Equal(t, a, b, "hashing is deterministic")
	assert.NotEqual(t, a, c)
}

func TestParseMessagePlainText(t *testing.T) {
	raw := "From: Alice <alice@remote.net>\r\n" +
		"To: bob@example.com\r\n" +
		"Cc: carol@example.com\r\n" +
		"Subject: weekly report\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"the report\r\n"

	parsed, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "weekly report", parsed.Subject)
	assert.Equal(t, "alice@remote.net", parsed.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, parsed.To)
	assert.Equal(t, "the report\r\n", parsed.Text)
	assert.Empty(t, parsed.HTML)
	assert.False(t, parsed.Date.IsZero())
}

func TestParseMessageMultipart(t *testing.T) {
	raw := "From: alice@remote.net\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: mixed\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain part\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<b>html part</b>\r\n" +
		"--BOUNDARY--\r\n"

	parsed, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "plain part\r\n", parsed.Text)
	assert.Equal(t, "<b>html part</b>\r\n", parsed.HTML)
}

func TestParseMessageHTMLOnlyDerivesText(t *testing.T) {
	raw := "From: alice@remote.net\r\n" +
		"Subject: html only\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>hello there</p>\r\n"

	parsed, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Contains(t, parsed.Text, "hello there")
	assert.Contains(t, parsed.HTML, "<p>hello there</p>")
}

func TestParseMessageMissingSubjectCoercedToEmpty(t *testing.T) {
	raw := "From: alice@remote.net\r\n" +
		"To: bob@example.com\r\n" +
		"\r\n" +
		"body\r\n"

	parsed, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "", parsed.Subject)
	assert.Equal(t, "body\r\n", parsed.Text)
}
