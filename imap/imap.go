// Package imap implements mailbox.Gateway on top of an IMAP store, with
// replies submitted over SMTP.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/DorsetProject/dorset-mailbot/mailbox"
	"github.com/DorsetProject/dorset-mailbot/model"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool

	// From is the sender address of replies.
	From string

	SMTP SMTPOptions
}

var (
	headerSection = &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierHeader, Peek: true}
	fullSection   = &imapv2.FetchItemBodySection{Peek: true}
)

// Gateway talks to one IMAP connection. IMAP keeps a single selected
// mailbox per connection, so every command runs under one lock.
type Gateway struct {
	opts   Options
	logger *slog.Logger
	smtp   smtpSender
	now    func() time.Time

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	ensured  map[model.Folder]bool

	closeOnce sync.Once
}

// Dial connects and logs in. Failure here is a startup fault.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Gateway, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.SMTP.Host == "" {
		opts.SMTP.Host = opts.Host
	}
	if opts.SMTP.Username == "" {
		opts.SMTP.Username = opts.Username
		opts.SMTP.Password = opts.Password
	}
	if opts.From == "" {
		opts.From = opts.Username
	}

	g := &Gateway{
		opts:    opts,
		logger:  logger,
		smtp:    smtpSender{opts: opts.SMTP},
		now:     time.Now,
		ensured: map[model.Folder]bool{model.Inbox: true},
	}

	client, err := g.dial(ctx)
	if err != nil {
		return nil, &mailbox.Fault{Op: "connect", Folder: model.Inbox, Err: err}
	}
	g.client = client
	return g, nil
}

func (g *Gateway) dial(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	address := net.JoinHostPort(g.opts.Host, strconv.Itoa(g.opts.Port))
	options := &imapclient.Options{}
	if g.opts.UseTLS || g.opts.StartTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         g.opts.Host,
			InsecureSkipVerify: g.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch {
	case g.opts.UseTLS:
		client, err = imapclient.DialTLS(address, options)
	case g.opts.StartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	default:
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(g.opts.Username, g.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if g.logger != nil {
		g.logger.Debug("imap connection established", "address", address, "user", g.opts.Username, "tls", g.opts.UseTLS, "starttls", g.opts.StartTLS)
	}
	return client, nil
}

// do runs fn with the connection held. Commands already sent are not
// interrupted by ctx; a cancelled ctx only stops new ones.
func (g *Gateway) do(ctx context.Context, op mailbox.Op, folder model.Folder, fn func(*imapclient.Client) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return &mailbox.Fault{Op: string(op), Folder: folder, Err: mailbox.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(g.client); err != nil {
		if mailbox.IsFault(err) || errors.Is(err, mailbox.ErrNotFound) || errors.Is(err, mailbox.ErrBodyExtraction) {
			return err
		}
		return &mailbox.Fault{Op: string(op), Folder: folder, Err: err}
	}
	return nil
}

func (g *Gateway) selectFolder(client *imapclient.Client, folder model.Folder, refresh bool) (*imapv2.SelectData, error) {
	name := folder.Name()
	if g.selected == name && !refresh {
		return nil, nil
	}
	data, err := client.Select(name, nil).Wait()
	if err != nil {
		g.selected = ""
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	g.selected = name
	return data, nil
}

func (g *Gateway) Count(ctx context.Context, folder model.Folder) (int, error) {
	var n int
	err := g.do(ctx, mailbox.OpCount, folder, func(client *imapclient.Client) error {
		if folder == model.Inbox {
			data, err := g.selectFolder(client, folder, true)
			if err != nil {
				return err
			}
			n = int(data.NumMessages)
			return nil
		}

		data, err := client.Status(folder.Name(), &imapv2.StatusOptions{NumMessages: true}).Wait()
		if err != nil {
			if responseCode(err) == imapv2.ResponseCodeNonExistent {
				return nil
			}
			return fmt.Errorf("status %s: %w", folder.Name(), err)
		}
		if data.NumMessages != nil {
			n = int(*data.NumMessages)
		}
		return nil
	})
	return n, err
}

func (g *Gateway) FetchUnclaimed(ctx context.Context, folder model.Folder) (model.Handle, error) {
	var h model.Handle
	err := g.do(ctx, mailbox.OpFetch, folder, func(client *imapclient.Client) error {
		var err error
		h, err = g.firstUnclaimed(client, folder)
		return err
	})
	return h, err
}

// ClaimNext searches, marks and describes the first unclaimed message
// without releasing the connection in between.
func (g *Gateway) ClaimNext(ctx context.Context, folder model.Folder) (model.Handle, error) {
	var h model.Handle
	err := g.do(ctx, mailbox.OpClaim, folder, func(client *imapclient.Client) error {
		var err error
		h, err = g.firstUnclaimed(client, folder)
		if err != nil {
			return err
		}
		if err := storeFlag(client, h.UID, imapv2.FlagSeen); err != nil {
			return err
		}
		h.State = model.Claimed
		return nil
	})
	return h, err
}

func (g *Gateway) firstUnclaimed(client *imapclient.Client, folder model.Folder) (model.Handle, error) {
	if _, err := g.selectFolder(client, folder, false); err != nil {
		return model.Handle{}, err
	}

	criteria := &imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen, imapv2.FlagDeleted},
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return model.Handle{}, fmt.Errorf("search unclaimed: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return model.Handle{}, mailbox.ErrNotFound
	}
	uid := slices.Min(uids)

	buf, err := fetchOne(client, uid, headerSection)
	if err != nil {
		return model.Handle{}, err
	}
	if buf == nil {
		// Expunged by someone else between search and fetch.
		return model.Handle{}, mailbox.ErrNotFound
	}

	h := mailbox.EnvelopeFromRaw(append(buf.FindBodySection(headerSection), '\r', '\n'))
	h.Folder = folder
	h.UID = uint32(uid)
	h.Seq = buf.SeqNum
	h.State = model.Unclaimed
	return h, nil
}

func (g *Gateway) Claim(ctx context.Context, h model.Handle) error {
	return g.do(ctx, mailbox.OpClaim, h.Folder, func(client *imapclient.Client) error {
		if _, err := g.selectFolder(client, h.Folder, false); err != nil {
			return err
		}
		return storeFlag(client, h.UID, imapv2.FlagSeen)
	})
}

func (g *Gateway) Release(ctx context.Context, h model.Handle) error {
	return g.do(ctx, mailbox.OpRelease, h.Folder, func(client *imapclient.Client) error {
		if _, err := g.selectFolder(client, h.Folder, false); err != nil {
			return err
		}
		return storeFlags(client, h.UID, imapv2.StoreFlagsDel, imapv2.FlagSeen)
	})
}

func (g *Gateway) ReadBody(ctx context.Context, h model.Handle) (string, error) {
	var raw []byte
	err := g.do(ctx, mailbox.OpReadBody, h.Folder, func(client *imapclient.Client) error {
		if _, err := g.selectFolder(client, h.Folder, false); err != nil {
			return err
		}
		buf, err := fetchOne(client, imapv2.UID(h.UID), fullSection)
		if err != nil {
			return err
		}
		if buf == nil {
			return fmt.Errorf("uid %d: %w", h.UID, mailbox.ErrNoSuchMessage)
		}
		raw = buf.FindBodySection(fullSection)
		return nil
	})
	if err != nil {
		return "", err
	}
	return mailbox.ExtractText(raw)
}

// Reply submits over SMTP without holding the IMAP connection, then flags
// the original \Answered.
func (g *Gateway) Reply(ctx context.Context, h model.Handle, text string) error {
	reply, err := mailbox.ComposeReply(g.opts.From, h, text, g.now())
	if err != nil {
		return err
	}
	if err := g.smtp.send(ctx, reply.From, reply.To, reply.Raw); err != nil {
		return &mailbox.Fault{Op: string(mailbox.OpReply), Folder: h.Folder, Err: err}
	}
	if g.logger != nil {
		g.logger.Debug("reply sent", "handle", h.Key(), "to", reply.To, "messageID", reply.MessageID)
	}

	err = g.do(ctx, mailbox.OpReply, h.Folder, func(client *imapclient.Client) error {
		if _, err := g.selectFolder(client, h.Folder, false); err != nil {
			return err
		}
		return storeFlag(client, h.UID, imapv2.FlagAnswered)
	})
	if err != nil && g.logger != nil {
		// The reply is out; a missing flag is cosmetic.
		g.logger.Warn("flag answered failed", "handle", h.Key(), "err", err)
	}
	return nil
}

func (g *Gateway) File(ctx context.Context, h model.Handle, from, to model.Folder) error {
	if !to.Terminal() || from == to {
		return fmt.Errorf("file %s to %s: %w", h.Key(), to.Name(), mailbox.ErrInvalidTarget)
	}
	return g.do(ctx, mailbox.OpFile, from, func(client *imapclient.Client) error {
		if err := g.ensureFolder(client, to); err != nil {
			return err
		}
		if _, err := g.selectFolder(client, from, false); err != nil {
			return err
		}
		if _, err := client.Copy(imapv2.UIDSetNum(imapv2.UID(h.UID)), to.Name()).Wait(); err != nil {
			return fmt.Errorf("copy uid %d to %s: %w", h.UID, to.Name(), err)
		}
		return nil
	})
}

func (g *Gateway) Remove(ctx context.Context, h model.Handle, from model.Folder) error {
	return g.do(ctx, mailbox.OpRemove, from, func(client *imapclient.Client) error {
		if _, err := g.selectFolder(client, from, false); err != nil {
			return err
		}
		if err := storeFlag(client, h.UID, imapv2.FlagDeleted); err != nil {
			return err
		}
		if err := client.Expunge().Close(); err != nil {
			return fmt.Errorf("expunge %s: %w", from.Name(), err)
		}
		return nil
	})
}

// Close logs out and drops the connection. It is idempotent.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.client == nil {
			return
		}
		if err := g.client.Logout().Wait(); err != nil && g.logger != nil {
			g.logger.Warn("imap logout failed", "err", err)
		}
		if err := g.client.Close(); err != nil && g.logger != nil {
			g.logger.Debug("imap connection closed", "err", err)
		}
		g.client = nil
	})
	return nil
}

func (g *Gateway) ensureFolder(client *imapclient.Client, folder model.Folder) error {
	if g.ensured[folder] {
		return nil
	}
	name := folder.Name()
	if err := client.Create(name, nil).Wait(); err != nil {
		if responseCode(err) != imapv2.ResponseCodeAlreadyExists {
			return fmt.Errorf("ensure mailbox %s: %w", name, err)
		}
		if g.logger != nil {
			g.logger.Debug("imap mailbox already exists", "mailbox", name)
		}
	} else if g.logger != nil {
		g.logger.Info("imap mailbox created", "mailbox", name)
	}
	g.ensured[folder] = true
	return nil
}

func storeFlag(client *imapclient.Client, uid uint32, flag imapv2.Flag) error {
	return storeFlags(client, uid, imapv2.StoreFlagsAdd, flag)
}

func storeFlags(client *imapclient.Client, uid uint32, op imapv2.StoreFlagsOp, flag imapv2.Flag) error {
	cmd := client.Store(imapv2.UIDSetNum(imapv2.UID(uid)), &imapv2.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imapv2.Flag{flag},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("store %s on uid %d: %w", flag, uid, err)
	}
	return nil
}

// fetchOne returns nil when the UID no longer exists.
func fetchOne(client *imapclient.Client, uid imapv2.UID, section *imapv2.FetchItemBodySection) (*imapclient.FetchMessageBuffer, error) {
	cmd := client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	defer cmd.Close()

	var found *imapclient.FetchMessageBuffer
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
		}
		if buf.UID == uid {
			found = buf
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	return found, nil
}

func responseCode(err error) imapv2.ResponseCode {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return respErr.Code
	}
	return ""
}

var _ mailbox.Gateway = (*Gateway)(nil)
