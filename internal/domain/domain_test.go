package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrimLeadingAssistant(t *testing.T) {
	history := []HistoryEntry{
		{Role: RoleAssistant, Content: "welcome"},
		{Role: RoleAssistant, Content: "still here"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}
	got := TrimLeadingAssistant(history)
	require.Len(t, got, 2)
	require.Equal(t, RoleUser, got[0].Role)

	require.Empty(t, TrimLeadingAssistant([]HistoryEntry{{Role: RoleAssistant, Content: "x"}}))
	require.Empty(t, TrimLeadingAssistant(nil))
}

func TestHistoryEntry_Validate(t *testing.T) {
	require.NoError(t, HistoryEntry{Role: RoleUser, Content: "x"}.Validate())
	require.Error(t, HistoryEntry{Role: "system", Content: "x"}.Validate())
}

func TestCanonicalSender(t *testing.T) {
	cases := []struct {
		raw    string
		region string
		want   string
	}{
		{"+14155552671", "US", "+14155552671"},
		{"(415) 555-2671", "US", "+14155552671"},
		{" 415 555 2671 ", "", "+14155552671"},
		{"020 7946 0958", "GB", "+442079460958"},
		{"TEXTNET", "US", "TEXTNET"},
		{"", "US", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanonicalSender(tc.raw, tc.region), "raw=%q", tc.raw)
	}
}
