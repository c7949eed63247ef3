package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprofiles/netprofd/service/profile"
)

type fakeAuthority struct {
	granted map[string]bool
	err     error
	checks  []string
}

func (f *fakeAuthority) CheckAuthorization(_ context.Context, _ Caller, class string) (bool, error) {
	f.checks = append(f.checks, class)
	if f.err != nil {
		return false, f.err
	}
	return f.granted[class], nil
}

func officeProfile() *profile.Profile {
	p := profile.New("Office")
	p.Actions = []profile.Action{
		{Kind: profile.ActionSetDNS, Interface: "eth0", Servers: []string{"10.0.0.53"}},
		{Kind: profile.ActionSetIPv4, Interface: "eth0", Method: "auto"},
		{Kind: profile.ActionSetHostname, Hostname: "office-box"},
		{Kind: profile.ActionRunScript, Script: &profile.ScriptSpec{Command: "mount-shares.sh"}},
	}
	return p
}

func TestRequiredClassesDeduplicated(t *testing.T) {
	t.Parallel()

	classes := RequiredClasses(officeProfile().Actions)
	assert.Equal(t, []string{
		ClassConfigureNetwork,
		ClassConfigureSystem,
		ClassRunScripts,
	}, classes)
}

func TestClassForKindCoversAllKinds(t *testing.T) {
	t.Parallel()

	for _, kind := range profile.AllActionKinds {
		assert.NotEmpty(t, ClassForKind(kind), "kind %s", kind)
	}
}

func TestAuthorizeChecksEveryClass(t *testing.T) {
	t.Parallel()

	authority := &fakeAuthority{granted: map[string]bool{
		ClassConfigureNetwork: true,
		ClassConfigureSystem:  true,
		ClassRunScripts:       true,
	}}
	a := NewAuthorizer(authority, nil)

	caller := Caller{Sender: ":1.42", UID: 1000, Provenance: profile.ProvenanceManual}
	require.NoError(t, a.Authorize(context.Background(), caller, officeProfile()))
	assert.Len(t, authority.checks, 3)
}

func TestAuthorizeDenialIsTerminal(t *testing.T) {
	t.Parallel()

	authority := &fakeAuthority{granted: map[string]bool{
		ClassConfigureNetwork: true,
		// configure-system denied
	}}
	a := NewAuthorizer(authority, nil)

	caller := Caller{Sender: ":1.42", UID: 1000, Provenance: profile.ProvenanceManual}
	err := a.Authorize(context.Background(), caller, officeProfile())
	require.ErrorIs(t, err, profile.ErrDenied)
}

func TestAuthorizeAuthorityError(t *testing.T) {
	t.Parallel()

	authority := &fakeAuthority{err: errors.New("polkit unavailable")}
	a := NewAuthorizer(authority, nil)

	caller := Caller{Sender: ":1.42", UID: 1000, Provenance: profile.ProvenanceManual}
	err := a.Authorize(context.Background(), caller, officeProfile())
	require.Error(t, err)
	assert.NotErrorIs(t, err, profile.ErrDenied)
}

func TestAuthorizeInternalCallerShortCircuits(t *testing.T) {
	t.Parallel()

	authority := &fakeAuthority{}
	a := NewAuthorizer(authority, nil)

	caller := Caller{Provenance: profile.ProvenanceRule}
	require.NoError(t, a.Authorize(context.Background(), caller, officeProfile()))
	assert.Empty(t, authority.checks)
}

func TestAuthorizeRootShortCircuits(t *testing.T) {
	t.Parallel()

	authority := &fakeAuthority{}
	a := NewAuthorizer(authority, nil)

	caller := Caller{Sender: ":1.7", UID: 0, Provenance: profile.ProvenanceManual}
	require.NoError(t, a.Authorize(context.Background(), caller, officeProfile()))
	assert.Empty(t, authority.checks)
}
