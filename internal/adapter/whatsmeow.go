package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/wagateway/engine/internal/engineerr"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// WhatsmeowAdapter wraps a *whatsmeow.Client, translating its event
// callbacks into the engine's single typed channel instead of
// registering many ad-hoc handlers per concern.
type WhatsmeowAdapter struct {
	client *whatsmeow.Client
	events chan Event

	mu     sync.Mutex
	closed bool
	info   Info
}

// NewWhatsmeowAdapter builds an adapter bound to one device store. The
// device store is obtained from the shared sqlstore.Container the way
// main.go's container.GetFirstDevice/container.NewDevice does.
func NewWhatsmeowAdapter(ctx context.Context, container *sqlstore.Container, logger waLog.Logger, existingJID *waTypes.JID) (*WhatsmeowAdapter, error) {
	// sqlstore's container API is get-or-create per device; callers
	// decide which device (existing JID for warm boot, new for QR),
	// mirroring main.go's container.GetFirstDevice/container.NewDevice.
	var client *whatsmeow.Client
	if existingJID != nil {
		dev, err := container.GetDevice(ctx, *existingJID)
		if err != nil {
			return nil, fmt.Errorf("load device %s: %w", existingJID, err)
		}
		client = whatsmeow.NewClient(dev, logger)
	} else {
		client = whatsmeow.NewClient(container.NewDevice(), logger)
	}

	a := &WhatsmeowAdapter{
		client: client,
		events: make(chan Event, 64),
	}
	a.client.AddEventHandler(a.handleRaw)
	return a, nil
}

func (a *WhatsmeowAdapter) handleRaw(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		if len(v.Codes) > 0 {
			a.emit(Event{Kind: EventQR, QR: v.Codes[0]})
		}
	case *events.PairSuccess:
		a.mu.Lock()
		a.info.JID = v.ID.String()
		a.mu.Unlock()
	case *events.Connected:
		a.emit(Event{Kind: EventReady, State: StateConnected})
	case *events.LoggedOut:
		reason := ReasonLogout
		if v.OnConnect {
			reason = ReasonNetworkError
		}
		a.emit(Event{Kind: EventDisconnected, Reason: reason})
	case *events.StreamReplaced:
		a.emit(Event{Kind: EventDisconnected, Reason: ReasonConflict})
	case *events.Disconnected:
		a.emit(Event{Kind: EventDisconnected, Reason: ReasonNetworkError})
	case *events.ConnectFailure:
		a.emit(Event{Kind: EventAuthFailure, AuthFailMsg: fmt.Sprintf("connect failure: %d", int(v.Reason))})
	case *events.TemporaryBan:
		a.emit(Event{Kind: EventDisconnected, Reason: ReasonBanned})
	case *events.ClientOutdated:
		a.emit(Event{Kind: EventDisconnected, Reason: ReasonOther})
	case *events.PushNameSetting, *events.AppState, *events.OfflineSyncCompleted:
		a.emit(Event{Kind: EventChangeState})
	case *events.Message:
		a.emit(Event{
			Kind:   EventMessage,
			Chat:   v.Info.Chat.String(),
			Sender: v.Info.Sender.String(),
			Text:   v.Message.GetConversation(),
			FromMe: v.Info.IsFromMe,
		})
	}
}

func (a *WhatsmeowAdapter) emit(e Event) {
	select {
	case a.events <- e:
	default:
		// Event channel is a bounded buffer; a stalled consumer must
		// not block whatsmeow's own event dispatch goroutine.
	}
}

func (a *WhatsmeowAdapter) Initialize(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.client.Connect() }()
	select {
	case err := <-done:
		if err != nil {
			return classifyErr(err)
		}
		if me := a.client.Store.ID; me != nil {
			a.mu.Lock()
			a.info.JID = me.String()
			a.info.Phone = me.User
			a.mu.Unlock()
		}
		return nil
	case <-ctx.Done():
		return engineerr.ErrTimeout
	}
}

func (a *WhatsmeowAdapter) GetState(ctx context.Context) (ConnState, error) {
	if a.client == nil {
		return StateUnknown, errors.New("adapter not initialized")
	}
	if a.client.IsConnected() && a.client.IsLoggedIn() {
		return StateConnected, nil
	}
	if a.client.IsConnected() {
		return StatePairing, nil
	}
	if a.client.Store.ID == nil {
		return StateUnpaired, nil
	}
	return StateOpening, nil
}

func (a *WhatsmeowAdapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.client != nil {
			a.client.Disconnect()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	close(a.events)
	return nil
}

func (a *WhatsmeowAdapter) SendMessage(ctx context.Context, msg OutboundMessage) error {
	jid, err := waTypes.ParseJID(msg.To)
	if err != nil {
		return fmt.Errorf("parse recipient jid: %w", err)
	}

	if msg.Kind == "media" && len(msg.Media) > 0 {
		uploaded, err := a.client.Upload(ctx, msg.Media, whatsmeow.MediaImage)
		if err != nil {
			return classifyErr(fmt.Errorf("upload media: %w", err))
		}
		waMsg := buildUploadedImageMessage(msg, uploaded)
		_, err = a.client.SendMessage(ctx, jid, waMsg)
		if err != nil {
			return classifyErr(err)
		}
		return nil
	}

	waMsg, err := buildMessage(msg)
	if err != nil {
		return err
	}

	_, err = a.client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

func (a *WhatsmeowAdapter) Takeover(ctx context.Context) error {
	// whatsmeow resolves CONFLICT by reconnecting; there is no
	// separate takeover call, so this re-issues Connect.
	return a.Initialize(ctx)
}

func (a *WhatsmeowAdapter) Events() <-chan Event { return a.events }

func (a *WhatsmeowAdapter) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// classifyErr maps whatsmeow/websocket teardown errors onto
// engineerr.ErrAdapterTornDown so callers can branch on errors.Is
// instead of swallowing them.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "websocket: close") ||
		strings.Contains(msg, "already connected") ||
		strings.Contains(msg, "client outdated") {
		return fmt.Errorf("%w: %v", engineerr.ErrAdapterTornDown, err)
	}
	return err
}
