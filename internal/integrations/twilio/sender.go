// Package twilio sends SMS through Twilio and verifies Twilio's webhook
// signatures.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"sms-relay/internal/domain"
)

// messageCreator is the slice of the Twilio REST API used by Sender.
// *openapi.ApiService satisfies it.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// DefaultSendTimeout bounds one CreateMessage request when NewSender is given
// no timeout.
const DefaultSendTimeout = 10 * time.Second

type Sender struct {
	api messageCreator
}

// NewSender builds a Sender authenticated as accountSID. timeout bounds each
// HTTP request to Twilio, so a send that times out has also stopped.
func NewSender(accountSID, authToken string, timeout time.Duration) (*Sender, error) {
	accountSID = strings.TrimSpace(accountSID)
	authToken = strings.TrimSpace(authToken)
	if accountSID == "" {
		return nil, errors.New("twilio: account sid must not be empty")
	}
	if authToken == "" {
		return nil, errors.New("twilio: auth token must not be empty")
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return senderWithHTTPClient(accountSID, authToken, &http.Client{Timeout: timeout})
}

func senderWithHTTPClient(accountSID, authToken string, hc *http.Client) (*Sender, error) {
	rest := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(accountSID, authToken),
		HTTPClient:  hc,
	}
	rest.SetAccountSid(accountSID)
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{Client: rest})
	return newSender(rc.Api)
}

func newSender(api messageCreator) (*Sender, error) {
	if api == nil {
		return nil, errors.New("twilio: api must not be nil")
	}
	return &Sender{api: api}, nil
}

// Send delivers msg and returns the Twilio message SID. The SDK takes no
// context, so ctx is only checked before the request. The request itself is
// bounded by the HTTP client timeout and Send does not return before it ends.
func (s *Sender) Send(ctx context.Context, msg domain.Outbound) (string, error) {
	if strings.TrimSpace(msg.To) == "" {
		return "", errors.New("twilio: recipient must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("twilio: create message to %s: %w", msg.To, err)
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(msg.From)
	params.SetBody(msg.Body)

	resp, err := s.api.CreateMessage(params)
	if code, ok := restErrorCode(err); ok {
		return "", fmt.Errorf("twilio: create message to %s: code %d: %w", msg.To, code, err)
	}
	if err != nil {
		return "", fmt.Errorf("twilio: create message to %s: %w", msg.To, err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("twilio: create message to %s: response carries no message sid", msg.To)
	}
	return *resp.Sid, nil
}

// restErrorCode returns Twilio's error code carried by err, if any.
func restErrorCode(err error) (int, bool) {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return 0, false
	}
	return restErr.Code, true
}
