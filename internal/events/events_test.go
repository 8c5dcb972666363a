package events

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRejectClassification(t *testing.T) {
	cases := []struct {
		reject *Reject
		kind   Kind
		status int
	}{
		{Decodef(RequestorEventRequestInvalid, "bad %s", "request"), KindDecode, 400},
		{Securityf(RequestorEventSignatureInvalid, "bad signature"), KindSecurity, 400},
		{Forbiddenf(RequestorEventAuthzFailed, "not allowed"), KindForbidden, 403},
		{Internalf("store broke"), KindInternal, 500},
	}
	for _, c := range cases {
		require.Equal(t, c.kind, c.reject.Kind)
		require.Equal(t, c.status, c.reject.HTTPStatus())
	}
}

func TestRejectErrorAndUnwrap(t *testing.T) {
	r := Securityf(RequestorEventIssuerUnknown, "issuer %q", "x")
	require.Equal(t, `issuer.unknown: issuer "x"`, r.Error())
	require.Nil(t, errors.Unwrap(r))

	cause := errors.New("tls handshake failed")
	r = r.Wrap(cause)
	require.Contains(t, r.Error(), "tls handshake failed")
	require.ErrorIs(t, r, cause)

	var reject *Reject
	require.ErrorAs(t, fmt.Errorf("outer: %w", r), &reject)
	require.Equal(t, RequestorEventIssuerUnknown, reject.Event)
}

func TestAuditorRecordsBothStreams(t *testing.T) {
	a := NewAuditor(zap.NewNop(), 8)

	a.Security("sp.example.org", "sess-1", "203.0.113.9", RequestorEventMessageStale, "issued yesterday")
	a.User("sp.example.org", "sess-1", UserEventAuthnMethodSuccessful, "")

	hist := a.History()
	require.Len(t, hist, 2)
	require.Equal(t, RequestorEventMessageStale, hist[0].Security)
	require.Equal(t, "203.0.113.9", hist[0].Remote)
	require.Equal(t, UserEventAuthnMethodSuccessful, hist[1].UserEvent)
	require.NotEmpty(t, hist[0].ID)
	require.False(t, hist[0].Timestamp.IsZero())
}

func TestAuditorHistoryIsBounded(t *testing.T) {
	a := NewAuditor(zap.NewNop(), 3)
	for i := 0; i < 5; i++ {
		a.User("sp", "sess", UserEventAuthnMethodInProgress, fmt.Sprintf("step %d", i))
	}
	hist := a.History()
	require.Len(t, hist, 3)
	require.Equal(t, "step 2", hist[0].Detail)
	require.Equal(t, "step 4", hist[2].Detail)
}

func TestAuditorNotifiesSinks(t *testing.T) {
	a := NewAuditor(zap.NewNop(), 0)

	var seen []Entry
	a.Subscribe(func(e Entry) { seen = append(seen, e) })

	a.Security("sp", "", "", RequestorEventBindingUnknown, "neither GET nor POST")
	require.Len(t, seen, 1)
	require.Equal(t, RequestorEventBindingUnknown, seen[0].Security)
}
