// Package airesponder is the optional AI auto-reply hook: when an
// instance receives a text message and the operator has configured an
// API key, the responder generates a reply with an OpenAI-compatible
// model and sends it back through the engine's normal send path.
//
// Conversation history is kept per chat, trimmed to a fixed window,
// and held in a TTL'd LRU cache so long-idle chats are reclaimed.
package airesponder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/convcache"
	"github.com/wagateway/engine/internal/logging"
)

const (
	maxHistory = 10
	historyTTL = 30 * time.Minute
)

// Sender delivers the generated reply. Implemented by the lifecycle
// controller's SendOrEnqueue.
type Sender func(ctx context.Context, instanceID string, msg adapter.OutboundMessage) error

// Responder generates replies to inbound text messages.
type Responder struct {
	client  *openai.Client
	model   string
	history *convcache.Cache
	send    Sender
	logs    *logging.Bus
	timeout time.Duration

	histMu sync.Mutex // serializes read-modify-write of one chat's history
}

// New builds a Responder. It does not check apiKey; cmd/gatewayd only
// builds and wires one when OPENAI_API_KEY is set. baseURL overrides the OpenAI
// endpoint for self-hosted compatible servers; empty uses the default.
func New(apiKey, baseURL, model string, history *convcache.Cache, send Sender, logs *logging.Bus) *Responder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &Responder{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		history: history,
		send:    send,
		logs:    logs,
		timeout: time.Minute,
	}
}

// HandleInbound matches lifecycle.MessageHook's signature. It runs the
// completion and reply in the background so the lifecycle event loop is
// never blocked on the model.
func (r *Responder) HandleInbound(instanceID, chat, sender, text string) {
	go r.respond(instanceID, chat, text)
}

func (r *Responder) respond(instanceID, chat, text string) {
	log := r.logs.For(instanceID, logging.CategoryResponder)

	history := r.appendHistory(instanceID, chat, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	reply, err := r.complete(ctx, history)
	if err != nil {
		log.Warn().Err(err).Msg("auto-reply completion failed")
		return
	}

	r.appendHistory(instanceID, chat, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply,
	})

	err = r.send(ctx, instanceID, adapter.OutboundMessage{To: chat, Kind: "text", Text: reply})
	if err != nil {
		log.Warn().Err(err).Msg("auto-reply send failed")
	}
}

// complete runs one chat completion, retrying transient failures.
func (r *Responder) complete(ctx context.Context, history []openai.ChatCompletionMessage) (string, error) {
	var resp openai.ChatCompletionResponse

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = r.timeout

	err := backoff.Retry(func() error {
		result, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    r.model,
			Messages: history,
		})
		if err != nil {
			return err
		}
		resp = result
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no response from model")
	}
	return resp.Choices[0].Message.Content, nil
}

// appendHistory records msg in the chat's rolling window and returns the
// updated history.
func (r *Responder) appendHistory(instanceID, chat string, msg openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	key := instanceID + "|" + chat

	var history []openai.ChatCompletionMessage
	if cached, ok := r.history.Get(key); ok {
		history = cached.([]openai.ChatCompletionMessage)
	}
	history = append(history, msg)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	r.history.Set(key, history, historyTTL)
	return history
}
