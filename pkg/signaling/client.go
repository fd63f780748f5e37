package signaling

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/ping"
	"mellium.im/xmpp/stanza"

	"github.com/gracetech-services/jicofo-sub000/pkg/common"
)

// ErrOffline is returned for requests attempted while the session is down.
var ErrOffline = errors.New("signaling: not connected")

// DefaultRequestTimeout bounds IQ request/response exchanges.
const DefaultRequestTimeout = 15 * time.Second

type iqHandler struct {
	newPayload func() interface{}
	handle     IQHandlerFunc
}

// Client is the production Transport over a mellium XMPP session. A client
// survives reconnects: the handler table and the joined-room table are kept
// across sessions and the stanza mux is rebuilt on every fresh connection.
type Client struct {
	config Config
	addr   jid.JID
	logger *logrus.Entry

	mutex        sync.Mutex
	session      *xmpp.Session
	handlers     map[xml.Name]iqHandler
	mucs         map[string]*Muc
	registration chan bool
	// dispatchers hold one serial IQ queue per sender bare address, so a
	// participant never has two IQs in flight at once. They die with the
	// stream.
	dispatchers map[string]*common.Worker[func()]
}

func NewClient(config Config) (*Client, error) {
	addr, err := jid.Parse(config.JID)
	if err != nil {
		return nil, fmt.Errorf("signaling: bad jid %q: %w", config.JID, err)
	}

	return &Client{
		config:       config,
		addr:         addr,
		logger:       logrus.WithField("component", "xmpp"),
		handlers:     make(map[xml.Name]iqHandler),
		mucs:         make(map[string]*Muc),
		registration: make(chan bool, 4),
		dispatchers:  make(map[string]*common.Worker[func()]),
	}, nil
}

func (c *Client) LocalJID() jid.JID {
	return c.addr
}

func (c *Client) RegistrationEvents() <-chan bool {
	return c.registration
}

// RegisterIQHandler installs the handler for the payload name. Must be
// called before Run; a duplicate registration panics, mirroring the mux.
func (c *Client) RegisterIQHandler(name xml.Name, newPayload func() interface{}, handle IQHandlerFunc) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.handlers[name]; ok {
		panic("signaling: duplicate IQ handler for {" + name.Space + "}" + name.Local)
	}
	c.handlers[name] = iqHandler{newPayload: newPayload, handle: handle}
}

// Run connects and serves the session, reconnecting with exponential backoff
// until the context ends.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		start := time.Now()
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(err).Warn("Connection lost, reconnecting")
		c.notifyRegistration(false)

		// A session that held for a while resets the backoff clock.
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, err := dial.Client(dialCtx, "tcp", c.addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	negCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	session, err := xmpp.NewClientSession(negCtx, c.addr, conn,
		xmpp.BindResource(),
		xmpp.StartTLS(&tls.Config{ServerName: c.addr.Domainpart()}),
		xmpp.SASL("", c.config.Password, sasl.ScramSha256, sasl.ScramSha1, sasl.Plain),
	)
	cancel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("negotiate: %w", err)
	}

	c.mutex.Lock()
	c.session = session
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		c.session = nil
		// Sender state does not survive the stream; drain the per-sender
		// queues so their goroutines end.
		dispatchers := c.dispatchers
		c.dispatchers = make(map[string]*common.Worker[func()])
		c.mutex.Unlock()
		for _, w := range dispatchers {
			w.Stop()
		}
		session.Close()
	}()

	// Initial presence so the server routes stanzas to us.
	sendCtx, cancel := context.WithTimeout(ctx, c.config.requestTimeout())
	err = session.Send(sendCtx, stanza.Presence{Type: stanza.AvailablePresence}.Wrap(nil))
	cancel()
	if err != nil {
		return fmt.Errorf("initial presence: %w", err)
	}

	c.logger.WithField("jid", c.addr.String()).Info("Connected")
	c.notifyRegistration(true)

	stopPing := c.startKeepalive(session)
	defer stopPing()

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	return session.Serve(c.buildMux())
}

// startKeepalive pings the server periodically; a missed pong tears the
// session down so the reconnect loop can take over.
func (c *Client) startKeepalive(session *xmpp.Session) func() {
	if c.config.PingIntervalSeconds <= 0 {
		return func() {}
	}

	var pongs chan<- common.Pong
	heartbeat := &common.Heartbeat{
		Interval: time.Duration(c.config.PingIntervalSeconds) * time.Second,
		Timeout:  c.config.requestTimeout(),
		SendPing: func() bool {
			go func() {
				defer func() { recover() }()
				ctx, cancel := context.WithTimeout(context.Background(), c.config.requestTimeout())
				defer cancel()
				if err := ping.Send(ctx, session, c.addr.Domain()); err == nil {
					pongs <- common.Pong{}
				}
			}()
			return true
		},
		OnTimeout: func() {
			c.logger.Warn("Keepalive timed out, dropping connection")
			session.Close()
		},
	}
	pongs = heartbeat.Start()
	return func() { close(pongs) }
}

func (c *Client) notifyRegistration(up bool) {
	select {
	case c.registration <- up:
	default:
		c.logger.Warn("Registration event dropped, consumer too slow")
	}
}

func (c *Client) currentSession() *xmpp.Session {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.session
}

// buildMux assembles the stanza router for a fresh connection from the
// registered handler table.
func (c *Client) buildMux() *mux.ServeMux {
	opts := []mux.Option{
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{Space: NSMucUser, Local: "x"}, c.handlePresence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{Space: NSMucUser, Local: "x"}, c.handlePresence),
		mux.MessageFunc(stanza.GroupChatMessage, xml.Name{Local: "body"}, c.handleMessage),
	}

	c.mutex.Lock()
	for name, handler := range c.handlers {
		adapter := c.iqAdapter(handler)
		opts = append(opts,
			mux.IQFunc(stanza.GetIQ, name, adapter),
			mux.IQFunc(stanza.SetIQ, name, adapter),
		)
	}
	c.mutex.Unlock()

	return mux.New(stanza.NSClient, opts...)
}

// iqAdapter bridges a registered handler into the mux. The payload is
// decoded on the stream goroutine; the handler itself runs on the sender's
// serial queue so a slow handler can never stall the stream and a sender's
// IQs apply strictly in stream order. Unhandled panics become
// internal-server-error replies.
func (c *Client) iqAdapter(handler iqHandler) mux.IQHandlerFunc {
	return func(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		payload := handler.newPayload()
		// The mux already consumed the payload start element; put it back in
		// front of the stream so the decoder sees a balanced element.
		d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(start.Copy()), t))
		if err := d.Decode(payload); err != nil {
			c.sendReply(iq, nil, &stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
			return nil
		}

		req := NewIQRequest(iq, payload, func(result interface{}, stanzaErr *stanza.Error) {
			c.sendReply(iq, result, stanzaErr)
		})

		if err := c.dispatchSerial(iq.From, func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.WithField("panic", r).Error("IQ handler panicked")
					req.Error(stanza.Cancel, stanza.InternalServerError)
				}
			}()
			handler.handle(req)
		}); err != nil {
			req.Error(stanza.Wait, stanza.ResourceConstraint)
		}
		return nil
	}
}

// dispatchSerial queues the task on the sender's serial worker, creating it
// on first use.
func (c *Client) dispatchSerial(sender jid.JID, task func()) error {
	key := sender.Bare().String()

	c.mutex.Lock()
	w := c.dispatchers[key]
	if w == nil {
		w = common.StartWorker(common.WorkerConfig[func()]{
			ChannelSize: 64,
			Timeout:     time.Hour,
			OnTimeout:   func() {},
			OnTask:      func(task func()) { task() },
		})
		c.dispatchers[key] = w
	}
	c.mutex.Unlock()

	return w.Send(task)
}

func (c *Client) sendReply(iq stanza.IQ, result interface{}, stanzaErr *stanza.Error) {
	session := c.currentSession()
	if session == nil {
		return
	}

	reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ResultIQ}
	var payload xml.TokenReader
	if stanzaErr != nil {
		reply.Type = stanza.ErrorIQ
		payload = stanzaErr.TokenReader()
	} else if result != nil {
		var err error
		payload, err = marshalReader(result)
		if err != nil {
			c.logger.WithError(err).Error("Failed to marshal IQ reply payload")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.requestTimeout())
	defer cancel()
	if err := session.Send(ctx, reply.Wrap(payload)); err != nil {
		c.logger.WithError(err).Warn("Failed to send IQ reply")
	}
}

// Request implements Transport. The reply payload is decoded into result
// when non-nil; an error-type reply surfaces as stanza.Error.
func (c *Client) Request(ctx context.Context, to jid.JID, typ stanza.IQType, payload, result interface{}) error {
	session := c.currentSession()
	if session == nil {
		return ErrOffline
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.requestTimeout())
		defer cancel()
	}

	reader, err := marshalReader(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	iq := stanza.IQ{ID: newID(), To: to, Type: typ}
	return session.UnmarshalIQElement(ctx, reader, iq, result)
}

// Send implements Transport: a set IQ whose reply is only logged.
func (c *Client) Send(to jid.JID, payload interface{}) {
	go func() {
		if err := c.Request(context.Background(), to, stanza.SetIQ, payload, nil); err != nil {
			c.logger.WithError(err).WithField("to", to.String()).Debug("Fire-and-forget IQ failed")
		}
	}()
}

func (c *Client) handlePresence(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	d := xml.NewTokenDecoder(t)
	decoded := &presencePayload{}
	if err := d.Decode(decoded); err != nil {
		return err
	}
	decoded.Presence = p

	c.mutex.Lock()
	room := c.mucs[p.From.Bare().String()]
	c.mutex.Unlock()
	if room == nil {
		return nil
	}

	room.handlePresence(p, decoded)
	return nil
}

func (c *Client) handleMessage(m stanza.Message, t xmlstream.TokenReadEncoder) error {
	d := xml.NewTokenDecoder(t)
	var decoded struct {
		stanza.Message
		Body string `xml:"body"`
	}
	if err := d.Decode(&decoded); err != nil {
		return err
	}

	c.mutex.Lock()
	room := c.mucs[m.From.Bare().String()]
	c.mutex.Unlock()
	if room == nil {
		return nil
	}

	room.handleMessage(MessageEvent{From: m.From, Body: decoded.Body})
	return nil
}

// marshalReader renders a payload struct as a token stream for sending.
func marshalReader(v interface{}) (xml.TokenReader, error) {
	if v == nil {
		return nil, nil
	}
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return xml.NewDecoder(bytes.NewReader(b)), nil
}

func newID() string {
	return uuid.NewString()
}
