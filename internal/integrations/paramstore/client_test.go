package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI records requested names and returns values by name.
type fakeAPI struct {
	values  map[string]string
	err     error
	names   []string
	decrypt []bool
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.names = append(f.names, aws.ToString(in.Name))
	f.decrypt = append(f.decrypt, aws.ToBool(in.WithDecryption))
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  in.Name,
		Value: aws.String(v),
		Type:  types.ParameterTypeSecureString,
	}}, nil
}

func newClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	c, err := New(api, "/sms-relay/")
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "/sms-relay")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(&fakeAPI{}, " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/x/y": "v"}}
	c := newClient(t, api)
	v, err := c.GetParameter(context.Background(), " /x/y ")
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.Equal(t, []bool{true}, api.decrypt)
}

func TestGetParameter_MissingValue(t *testing.T) {
	c := newClient(t, &fakeAPI{})
	_, err := c.GetParameter(context.Background(), "/x")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	c := newClient(t, &fakeAPI{err: errors.New("AccessDeniedException")})
	_, err := c.GetParameter(context.Background(), "/x")
	require.ErrorContains(t, err, "AccessDeniedException")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	c := newClient(t, &fakeAPI{})
	_, err := c.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestToken(t *testing.T) {
	api := &fakeAPI{values: map[string]string{
		"/sms-relay/gemini-api-key": `{"token":" AIza-test "}`,
	}}
	c := newClient(t, api)

	tok, err := c.Token(context.Background(), "gemini-api-key")
	require.NoError(t, err)
	require.Equal(t, "AIza-test", tok)
	require.Equal(t, []string{"/sms-relay/gemini-api-key"}, api.names)
}

func TestToken_Errors(t *testing.T) {
	api := &fakeAPI{values: map[string]string{
		"/sms-relay/plain": "not-json",
		"/sms-relay/blank": `{"token":""}`,
	}}
	c := newClient(t, api)

	_, err := c.Token(context.Background(), "plain")
	require.ErrorContains(t, err, "decode token")
	_, err = c.Token(context.Background(), "blank")
	require.ErrorContains(t, err, "is empty")
	_, err = c.Token(context.Background(), "/")
	require.ErrorContains(t, err, "required")
	_, err = c.Token(context.Background(), "absent")
	require.ErrorContains(t, err, "missing value")
}
