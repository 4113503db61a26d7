package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

// ReplyWorker polls every active sender's IMAP mailbox for unseen messages
// and routes the ones sent by known leads through the reply handler. Message
// ids already in the event log are skipped, so overlapping polls are safe.
type ReplyWorker struct {
	db           *gorm.DB
	logger       *log.Logger
	orchestrator *Orchestrator
	interval     time.Duration
}

func NewReplyWorker(db *gorm.DB, logger *log.Logger, orchestrator *Orchestrator, interval time.Duration) *ReplyWorker {
	return &ReplyWorker{
		db:           db,
		logger:       logger,
		orchestrator: orchestrator,
		interval:     interval,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Println("Starting reply worker...")
	ticker := time.NewTicker(rw.interval)

	for {
		select {
		case <-ticker.C:
			rw.pollAllSenders()
		case <-ctx.Done():
			rw.logger.Println("Stopping reply worker...")
			ticker.Stop()
			return
		}
	}
}

func (rw *ReplyWorker) pollAllSenders() {
	var senders []models.Sender
	if err := rw.db.Where("is_active = ? AND imap_host IS NOT NULL AND imap_host != ''", true).
		Find(&senders).Error; err != nil {
		rw.logger.Printf("Failed to fetch senders: %v", err)
		return
	}

	for i := range senders {
		sender := &senders[i]
		now := time.Now().UTC()
		err := rw.pollSender(sender)

		updates := map[string]interface{}{"last_polled_at": now}
		if err != nil {
			rw.logger.Printf("Failed to poll sender %d (%s): %v", sender.ID, sender.FromEmail, err)
			updates["last_error"] = err.Error()
		} else {
			updates["last_error"] = ""
		}
		if dbErr := rw.db.Model(sender).Updates(updates).Error; dbErr != nil {
			rw.logger.Printf("Failed to update sender %d: %v", sender.ID, dbErr)
		}
	}
}

func (rw *ReplyWorker) pollSender(sender *models.Sender) error {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %v", err)
	}

	var imapClient *client.Client
	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)

	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{
			InsecureSkipVerify: false,
			ServerName:         sender.IMAPHost,
		})
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				InsecureSkipVerify: false,
				ServerName:         sender.IMAPHost,
			})
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(msg); err != nil {
			rw.logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
			continue
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}
	return nil
}

func (rw *ReplyWorker) processMessage(msg *imap.Message) error {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return nil
	}
	fromAddr := strings.ToLower(fmt.Sprintf("%s@%s",
		msg.Envelope.From[0].MailboxName, msg.Envelope.From[0].HostName))

	var lead models.Lead
	err := rw.db.Where("LOWER(email) = ?", fromAddr).First(&lead).Error
	if err == gorm.ErrRecordNotFound {
		return nil // not from a lead we know
	}
	if err != nil {
		return err
	}

	var bodyText string
	if msg.Body != nil {
		section := imap.BodySectionName{}
		literal, ok := msg.Body[&section]
		if !ok {
			return fmt.Errorf("message body not found")
		}

		mr, err := mail.CreateReader(literal)
		if err != nil {
			return fmt.Errorf("failed to create message reader: %v", err)
		}

		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("failed to read next part: %v", err)
			}

			if h, ok := p.Header.(*mail.InlineHeader); ok {
				contentType, _, _ := h.ContentType()
				if strings.Contains(contentType, "text/plain") {
					b, err := io.ReadAll(p.Body)
					if err != nil {
						return fmt.Errorf("failed to read body: %v", err)
					}
					bodyText = string(b)
				}
			}
		}
	}

	return rw.orchestrator.HandleReply(
		lead.ID,
		msg.Envelope.Subject,
		bodyText,
		msg.Envelope.MessageId,
		msg.Envelope.Date,
	)
}
