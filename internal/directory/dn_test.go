package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDN(t *testing.T) {
	norm, err := NormalizeDN("UID=Ana, OU=Members, DC=club, DC=example")
	require.NoError(t, err)
	assert.Equal(t, "uid=Ana,ou=Members,dc=club,dc=example", norm)

	_, err = NormalizeDN("not a dn")
	assert.ErrorIs(t, err, ErrNotInTree)

	norm, err = NormalizeDN("")
	require.NoError(t, err)
	assert.Equal(t, "", norm)
}

func TestNormalizeDNKeepsEscaping(t *testing.T) {
	norm, err := NormalizeDN(`CN=Gala\2C Winter,OU=Events,DC=club,DC=example`)
	require.NoError(t, err)
	assert.Equal(t, `cn=Gala\, Winter,ou=Events,dc=club,dc=example`, norm)

	// normalizing is idempotent
	again, err := NormalizeDN(norm)
	require.NoError(t, err)
	assert.Equal(t, norm, again)
}

func TestFirstRDNUnescapesValue(t *testing.T) {
	attr, value, rest, err := firstRDN(`cn=Gala\, Winter,ou=events,dc=club,dc=example`)
	require.NoError(t, err)
	assert.Equal(t, "cn", attr)
	assert.Equal(t, "Gala, Winter", value)
	assert.Equal(t, "ou=events,dc=club,dc=example", rest)
}

func TestDNToKeyRoundTrip(t *testing.T) {
	m, v := testMapper(t)

	members, ok := v.Entity("members")
	require.True(t, ok)

	dn := m.EntryDN(members, "ana")
	assert.Equal(t, "uid=ana,ou=members,dc=club,dc=example", dn)

	ent, key, err := m.DNToKey(v, dn)
	require.NoError(t, err)
	assert.Equal(t, "members", ent.Name)
	assert.Equal(t, "ana", key)
}

func TestEntryDNEscapesSpecialCharacters(t *testing.T) {
	m, v := testMapper(t)

	events, ok := v.Entity("events")
	require.True(t, ok)

	dn := m.EntryDN(events, "Gala, Winter")
	assert.Equal(t, `cn=Gala\, Winter,ou=events,dc=club,dc=example`, dn)

	ent, value, err := m.DNToKey(v, dn)
	require.NoError(t, err)
	assert.Equal(t, "events", ent.Name)
	assert.Equal(t, "Gala, Winter", value)
}

func TestDNToKeyCaseInsensitiveTypes(t *testing.T) {
	m, v := testMapper(t)

	ent, key, err := m.DNToKey(v, "UID=ana,OU=members,DC=club,DC=example")
	require.NoError(t, err)
	assert.Equal(t, "members", ent.Name)
	assert.Equal(t, "ana", key)
}

func TestDNToKeyRejections(t *testing.T) {
	m, v := testMapper(t)

	// outside the tree
	_, _, err := m.DNToKey(v, "uid=ana,ou=members,dc=other,dc=example")
	assert.ErrorIs(t, err, ErrNotInTree)

	// unit entry has no relational key
	_, _, err = m.DNToKey(v, "ou=members,dc=club,dc=example")
	assert.ErrorIs(t, err, ErrNotInTree)

	// unknown branch
	_, _, err = m.DNToKey(v, "uid=ana,ou=printers,dc=club,dc=example")
	assert.ErrorIs(t, err, ErrNotInTree)

	// wrong naming attribute for the branch
	_, _, err = m.DNToKey(v, "cn=ana,ou=members,dc=club,dc=example")
	assert.ErrorIs(t, err, ErrNotInTree)
}

func TestMemberKeyFromDN(t *testing.T) {
	assert.Equal(t, "ana", memberKeyFromDN("uid=ana,ou=members,dc=club,dc=example"))
	assert.Equal(t, "ana", memberKeyFromDN("UID=ana, OU=members, DC=club, DC=example"))
	// a raw key is passed through
	assert.Equal(t, "ana", memberKeyFromDN("ana"))
}
