package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionExpireIsIdempotent(t *testing.T) {
	s := &Session{ID: NewID(), Expiry: time.Now().Add(time.Minute)}

	require.False(t, s.Expired())
	require.True(t, s.Expire(), "first expire must report a transition")
	require.True(t, s.Expired())
	require.False(t, s.Expire(), "second expire must be a no-op")
	require.True(t, s.Expired())
}

func TestTGTExpireIsIdempotent(t *testing.T) {
	tgt := &TGT{ID: NewID(), Expiry: time.Now().Add(time.Minute)}

	require.True(t, tgt.Expire())
	require.False(t, tgt.Expire())
	require.True(t, tgt.Expired())
}

func TestSessionSetUserRejectsMismatch(t *testing.T) {
	s := &Session{ID: NewID(), Expiry: time.Now().Add(time.Minute)}

	require.NoError(t, s.SetUser(User{ID: "alice", Organization: "example.org"}))
	require.NoError(t, s.SetUser(User{ID: "alice", Organization: "example.org"}),
		"re-asserting the same identity is fine")
	require.Error(t, s.SetUser(User{ID: "mallory", Organization: "example.org"}))
	require.Error(t, s.SetUser(User{ID: "alice", Organization: "elsewhere.org"}))
}

func TestValidateID(t *testing.T) {
	require.NoError(t, ValidateID(NewID()))
	require.Error(t, ValidateID(""))
	require.Error(t, ValidateID("not-a-uuid"))
	require.Error(t, ValidateID("../../etc/passwd"))
}

func TestMemorySessionStoreLifecycle(t *testing.T) {
	m := NewMemorySessionStore(time.Minute)

	s, err := m.Create("sp-one")
	require.NoError(t, err)
	require.Equal(t, StateCreated, s.State)
	require.Equal(t, "sp-one", s.RequestorID)

	s.State = StateAuthnOK
	s.Attrs.RequestIDPrefix = "abcdefgh"
	require.NoError(t, m.Persist(s))

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, StateAuthnOK, got.State)
	require.Equal(t, "abcdefgh", got.Attrs.RequestIDPrefix)

	// Mutating the returned snapshot must not leak into the store.
	got.Attrs.RequestIDPrefix = "changed"
	again, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", again.Attrs.RequestIDPrefix)
}

func TestMemorySessionStoreExpired(t *testing.T) {
	m := NewMemorySessionStore(time.Minute)

	s, err := m.Create("sp-one")
	require.NoError(t, err)

	s.Expire()
	require.NoError(t, m.Persist(s))

	_, err = m.Get(s.ID)
	require.ErrorIs(t, err, ErrExpired)

	_, err = m.Get(NewID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTGTStoreFindByUser(t *testing.T) {
	m := NewMemoryTGTStore(time.Minute)

	tgt, err := m.Create(User{ID: "alice"})
	require.NoError(t, err)

	found, err := m.FindByUser("alice")
	require.NoError(t, err)
	require.Equal(t, tgt.ID, found.ID)

	_, err = m.FindByUser("bob")
	require.ErrorIs(t, err, ErrNotFound)

	tgt.Expire()
	require.NoError(t, m.Persist(tgt))
	_, err = m.FindByUser("alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTGTAttachRequestorOrdersMostRecentLast(t *testing.T) {
	tgt := &TGT{ID: NewID(), Expiry: time.Now().Add(time.Minute)}

	tgt.AttachRequestor("sp-a")
	tgt.AttachRequestor("sp-b")
	tgt.AttachRequestor("sp-a")
	require.Equal(t, []string{"sp-b", "sp-a"}, tgt.RequestorIDs)

	tgt.AttachProfile("saml2")
	tgt.AttachProfile("saml2")
	require.Equal(t, []string{"saml2"}, tgt.AuthnProfileIDs)
}

func TestTGTAliases(t *testing.T) {
	tgt := &TGT{ID: NewID(), Expiry: time.Now().Add(time.Minute)}

	_, ok := tgt.Alias("https://idp.example.org")
	require.False(t, ok)

	tgt.SetAlias("https://idp.example.org", "_idx1")
	idx, ok := tgt.Alias("https://idp.example.org")
	require.True(t, ok)
	require.Equal(t, "_idx1", idx)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Create("sp-one")
	require.NoError(t, err)
	sess.State = StateAuthnOK
	sess.Attrs.SessionIndices = []string{"_idx1"}
	require.NoError(t, s.Persist(sess))

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateAuthnOK, got.State)
	require.Equal(t, []string{"_idx1"}, got.Attrs.SessionIndices)

	tgts := s.TGTs()
	tgt, err := tgts.Create(User{ID: "alice", Organization: "example.org"})
	require.NoError(t, err)

	found, err := tgts.FindByUser("alice")
	require.NoError(t, err)
	require.Equal(t, tgt.ID, found.ID)

	tgt.Expire()
	require.NoError(t, tgts.Persist(tgt))
	_, err = tgts.Get(tgt.ID)
	require.ErrorIs(t, err, ErrExpired)
}
