package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/wadispatch/internal/models"
)

// EncodingTwilio is the only encoding the Twilio wire speaks.
const EncodingTwilio = "twilio"

// messageCreator is the subset of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration for the Twilio WhatsApp wire.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// TwilioOption configures a TwilioWire.
type TwilioOption func(*TwilioOpts)

func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromWhats sets the sender, in "whatsapp:+1234567890" form.
func WithFromWhats(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromWhats = from }
}

// TwilioWire sends messages through Twilio Programmable Messaging.
type TwilioWire struct {
	api       messageCreator
	fromWhats string
}

// NewTwilioWire creates a TwilioWire. All three options are required.
func NewTwilioWire(opts ...TwilioOption) (*TwilioWire, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewTwilioWire: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioWire{api: rest.Api, fromWhats: whatsappAddress(cfg.FromWhats)}, nil
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return "whatsapp:" + number
}

// Encodings always returns the single Twilio encoding.
func (w *TwilioWire) Encodings(models.Kind) []string {
	return []string{EncodingTwilio}
}

// Endpoint describes the Twilio resource used.
func (w *TwilioWire) Endpoint(models.Kind) string {
	return "twilio:Messages"
}

func (w *TwilioWire) params(req Request) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(req.Recipient))
	params.SetFrom(w.fromWhats)

	switch req.Kind {
	case models.KindDocument:
		params.SetMediaUrl([]string{req.Payload.Media})
		body := req.Payload.Caption
		if body == "" {
			body = req.Payload.Filename
		}
		params.SetBody(body)
	case models.KindInteractive:
		// Twilio has no native option list for free-form WhatsApp sessions.
		var b strings.Builder
		b.WriteString(req.Payload.Body)
		for i, opt := range req.Payload.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
		}
		params.SetBody(b.String())
	default:
		params.SetBody(req.Payload.Body)
	}
	return params
}

type twilioResult struct {
	msg *twilioApi.ApiV2010Message
	err error
}

// Deliver creates one Twilio message. The SDK call has no context parameter,
// so the ctx deadline is enforced by abandoning the wait.
func (w *TwilioWire) Deliver(ctx context.Context, req Request, encoding string) (int, error) {
	if encoding != EncodingTwilio {
		return 0, fmt.Errorf("%w: unsupported encoding %q", ErrFatal, encoding)
	}
	params := w.params(req)

	done := make(chan twilioResult, 1)
	go func() {
		msg, err := w.api.CreateMessage(params)
		done <- twilioResult{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("twilio request abandoned: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return twilioStatus(r.err)
		}
		if r.msg != nil && r.msg.Sid != nil {
			slog.Debug("TwilioWire.Deliver: message created", "sid", *r.msg.Sid, "correlationID", req.CorrelationID)
		}
		return 201, nil
	}
}

// twilioStatus converts a Twilio REST error into a StatusError so Classify
// sees the HTTP status.
func twilioStatus(err error) (int, error) {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status, &StatusError{
			StatusCode: restErr.Status,
			Body:       truncate(fmt.Sprintf("code=%d %s", restErr.Code, restErr.Message), maxErrorBody),
		}
	}
	return 0, fmt.Errorf("twilio request failed: %w", err)
}
