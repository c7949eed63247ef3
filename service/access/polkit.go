package access

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	polkitDest = "org.freedesktop.PolicyKit1"
	polkitPath = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")

	// Lets polkit bring up an authentication agent prompt for the caller.
	polkitAllowUserInteraction = uint32(1)
)

// polkitAuthority consults the system polkit daemon.
type polkitAuthority struct {
	conn *dbus.Conn
}

// NewPolkitAuthority returns the polkit-backed authority on the given
// system bus connection.
func NewPolkitAuthority(conn *dbus.Conn) Authority {
	return &polkitAuthority{conn: conn}
}

// CheckAuthorization performs a synchronous polkit check for the caller's
// bus connection.
func (p *polkitAuthority) CheckAuthorization(ctx context.Context, caller Caller, class string) (bool, error) {
	subject := struct {
		Kind    string
		Details map[string]dbus.Variant
	}{
		Kind: "system-bus-name",
		Details: map[string]dbus.Variant{
			"name": dbus.MakeVariant(caller.Sender),
		},
	}

	var result struct {
		IsAuthorized bool
		IsChallenge  bool
		Details      map[string]string
	}

	obj := p.conn.Object(polkitDest, polkitPath)
	call := obj.CallWithContext(ctx,
		"org.freedesktop.PolicyKit1.Authority.CheckAuthorization", 0,
		subject, class, map[string]string{}, polkitAllowUserInteraction, "",
	)
	if call.Err != nil {
		return false, fmt.Errorf("polkit check failed: %w", call.Err)
	}
	if err := call.Store(&result); err != nil {
		return false, fmt.Errorf("unexpected polkit reply: %w", err)
	}
	return result.IsAuthorized, nil
}
