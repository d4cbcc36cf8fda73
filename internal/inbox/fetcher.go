package inbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// Fetcher handles the IMAP connection for one project mailbox.
type Fetcher struct {
	host     string
	port     int
	email    string
	password string
	folder   string
	client   *client.Client
}

// Message is a parsed inbound email from the project mailbox.
type Message struct {
	UID        uint32 // IMAP UID for operations like move/delete
	MessageID  string
	From       string
	FromName   string
	To         string
	Subject    string
	Body       string
	HTMLBody   string
	References []string // Message-IDs from the References header, oldest first
	InReplyTo  string
	ReceivedAt time.Time
}

// ThreadID returns the conversation key for a message: the root of the
// References chain when present, the message's own id otherwise.
func (m *Message) ThreadID() string {
	if len(m.References) > 0 {
		return m.References[0]
	}
	return m.MessageID
}

// NewFetcher creates a fetcher for a project mailbox. The folder defaults to
// Gmail's All Mail so sent messages appear alongside received ones; INBOX
// alone would hide our own replies from conversation transcripts.
func NewFetcher(host string, port int, email, password string) *Fetcher {
	return &Fetcher{
		host:     host,
		port:     port,
		email:    email,
		password: password,
		folder:   "[Gmail]/All Mail",
	}
}

// Connect establishes the IMAP connection
func (f *Fetcher) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", f.host, f.port)

	log.Printf("Connecting to IMAP server %s...", addr)

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(f.email, f.password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	f.client = c
	log.Printf("Logged in as %s", f.email)
	return nil
}

// Disconnect closes the IMAP connection
func (f *Fetcher) Disconnect() error {
	if f.client != nil {
		return f.client.Logout()
	}
	return nil
}

// FetchRecentMessages fetches both sides of the project's correspondence
// from the last N days: mail sent to the project address and mail sent from
// it. Outbound messages are needed so conversation transcripts include what
// the persona already said.
func (f *Fetcher) FetchRecentMessages(ctx context.Context, days int) ([]Message, error) {
	if f.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := f.client.Select(f.folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", f.folder, err)
	}

	if mbox.Messages == 0 {
		return nil, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	from := imap.NewSearchCriteria()
	from.Header.Add("From", f.email)
	to := imap.NewSearchCriteria()
	to.Header.Add("To", f.email)
	criteria.Or = append(criteria.Or, [2]*imap.SearchCriteria{from, to})

	uids, err := f.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	log.Printf("Found %d emails since %s in %s", len(uids), since.Format("2006-01-02"), f.email)

	if len(uids) == 0 {
		return nil, nil
	}

	// Fetch in batches so a large mailbox does not buffer everything at once.
	var all []Message
	batchSize := 50
	for i := 0; i < len(uids); i += batchSize {
		end := i + batchSize
		if end > len(uids) {
			end = len(uids)
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids[i:end]...)

		section := &imap.BodySectionName{Peek: true}
		messages := make(chan *imap.Message, batchSize)
		done := make(chan error, 1)

		go func() {
			done <- f.client.UidFetch(seqSet, []imap.FetchItem{
				imap.FetchEnvelope,
				imap.FetchUid,
				section.FetchItem(),
			}, messages)
		}()

		for msg := range messages {
			parsed, err := f.parseMessage(msg, section)
			if err != nil {
				log.Printf("Warning: failed to parse message: %v", err)
				continue
			}
			if parsed != nil {
				all = append(all, *parsed)
			}
		}

		if err := <-done; err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}
	}

	log.Printf("Fetched %d messages for %s", len(all), f.email)
	return all, nil
}

// parseMessage converts an IMAP message to our Message struct
func (f *Fetcher) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	if msg == nil || msg.Envelope == nil {
		return nil, nil
	}

	m := &Message{
		UID:        msg.Uid,
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		InReplyTo:  msg.Envelope.InReplyTo,
		ReceivedAt: msg.Envelope.Date,
	}

	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		m.From = from.Address()
		m.FromName = from.PersonalName
	}
	if len(msg.Envelope.To) > 0 {
		m.To = msg.Envelope.To[0].Address()
	}

	r := msg.GetBody(section)
	if r == nil {
		return m, nil
	}

	mr, err := mail.CreateReader(r)
	if err != nil {
		return m, nil // Return without body on parse error
	}

	// The References header carries the thread ancestry; the envelope does
	// not expose it, so read it from the full header.
	if refs := mr.Header.Get("References"); refs != "" {
		m.References = splitReferences(refs)
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(p.Body)

			if strings.HasPrefix(ct, "text/plain") && m.Body == "" {
				m.Body = string(body)
			} else if strings.HasPrefix(ct, "text/html") && m.HTMLBody == "" {
				m.HTMLBody = string(body)
			}
		}
	}

	return m, nil
}

// splitReferences parses a raw References header into individual message ids.
func splitReferences(raw string) []string {
	var refs []string
	for _, field := range strings.Fields(raw) {
		field = strings.TrimSpace(field)
		if field != "" {
			refs = append(refs, field)
		}
	}
	return refs
}
