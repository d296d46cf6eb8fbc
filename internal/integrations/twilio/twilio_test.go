package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"sms-relay/internal/domain"
)

type fakeMessages struct {
	out     *openapi.ApiV2010Message
	err     error
	calls   int
	lastTo  string
	lastFr  string
	lastBdy string
}

func (f *fakeMessages) CreateMessage(p *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.calls++
	f.lastTo, f.lastFr, f.lastBdy = *p.To, *p.From, *p.Body
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func TestNewSender_Validation(t *testing.T) {
	_, err := NewSender("", "tok", time.Second)
	require.ErrorContains(t, err, "account sid")
	_, err = NewSender("AC123", " ", time.Second)
	require.ErrorContains(t, err, "auth token")
	_, err = newSender(nil)
	require.Error(t, err)

	s, err := NewSender("AC123", "tok", 0)
	require.NoError(t, err)
	require.NotNil(t, s.api)
}

func TestSend_HappyPath(t *testing.T) {
	api := &fakeMessages{out: &openapi.ApiV2010Message{Sid: strPtr("SM123")}}
	s, err := newSender(api)
	require.NoError(t, err)

	sid, err := s.Send(context.Background(), domain.Outbound{To: "+14155550100", From: "+15005550006", Body: "Lima."})
	require.NoError(t, err)
	require.Equal(t, "SM123", sid)
	require.Equal(t, "+14155550100", api.lastTo)
	require.Equal(t, "+15005550006", api.lastFr)
	require.Equal(t, "Lima.", api.lastBdy)
}

func TestSend_RestError(t *testing.T) {
	api := &fakeMessages{err: &twilioclient.TwilioRestError{Code: 21211, Status: 400, Message: "Invalid 'To' Phone Number"}}
	s, err := newSender(api)
	require.NoError(t, err)

	_, err = s.Send(context.Background(), domain.Outbound{To: "+1", From: "+15005550006", Body: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "code 21211")
	var restErr *twilioclient.TwilioRestError
	require.ErrorAs(t, err, &restErr)
}

func TestSend_PlainError(t *testing.T) {
	s, err := newSender(&fakeMessages{err: errors.New("dial tcp: timeout")})
	require.NoError(t, err)
	_, err = s.Send(context.Background(), domain.Outbound{To: "+14155550100", Body: "x"})
	require.ErrorContains(t, err, "dial tcp")
}

func TestSend_MissingSid(t *testing.T) {
	s, err := newSender(&fakeMessages{out: &openapi.ApiV2010Message{}})
	require.NoError(t, err)
	_, err = s.Send(context.Background(), domain.Outbound{To: "+14155550100", Body: "x"})
	require.ErrorContains(t, err, "no message sid")
}

func TestSend_EmptyRecipient(t *testing.T) {
	s, err := newSender(&fakeMessages{})
	require.NoError(t, err)
	_, err = s.Send(context.Background(), domain.Outbound{To: " ", Body: "x"})
	require.Error(t, err)
}

func TestSend_CanceledContextSkipsRequest(t *testing.T) {
	api := &fakeMessages{out: &openapi.ApiV2010Message{Sid: strPtr("SM1")}}
	s, err := newSender(api)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Send(ctx, domain.Outbound{To: "+14155550100", Body: "x"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, api.calls)
}

// redirectTransport sends every request to target instead of api.twilio.com.
type redirectTransport struct{ target *url.URL }

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func TestSend_TimeoutEndsRequest(t *testing.T) {
	aborted := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a dropped client once the body is consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	s, err := senderWithHTTPClient("AC123", "tok", &http.Client{
		Timeout:   50 * time.Millisecond,
		Transport: redirectTransport{target: target},
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Send(context.Background(), domain.Outbound{To: "+14155550100", From: "+15005550006", Body: "x"})
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("request was still open after Send returned")
	}
}

// sign computes Twilio's webhook signature: HMAC-SHA1 over the URL followed
// by every POST parameter name and value in name order.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedRequest(t *testing.T, sig string, form url.Values) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		r.Header.Set(SignatureHeader, sig)
	}
	require.NoError(t, r.ParseForm())
	return r
}

func TestNewValidator_Validation(t *testing.T) {
	_, err := NewValidator("", "https://relay.example.com")
	require.Error(t, err)
	_, err = NewValidator("tok", " ")
	require.Error(t, err)
}

func TestValidator_Valid(t *testing.T) {
	v, err := NewValidator("secret-token", "https://relay.example.com/")
	require.NoError(t, err)

	form := url.Values{"From": {"+14155550100"}, "Body": {"hi"}, "MessageSid": {"SM1"}}
	good := sign("secret-token", "https://relay.example.com/sms", form)

	require.True(t, v.Valid(signedRequest(t, good, form)))
	require.False(t, v.Valid(signedRequest(t, "", form)), "missing signature")
	require.False(t, v.Valid(signedRequest(t, sign("other-token", "https://relay.example.com/sms", form), form)))

	tampered := url.Values{"From": {"+14155550100"}, "Body": {"hi!"}, "MessageSid": {"SM1"}}
	require.False(t, v.Valid(signedRequest(t, good, tampered)))
}
