//go:build linux

package breakglass

import (
	"fmt"
	"log"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsService   = "org.freedesktop.Notifications"
	notificationsPath      = "/org/freedesktop/Notifications"
	notificationsInterface = "org.freedesktop.Notifications"
)

// DesktopNotifier posts a break-glass grant to the desktop session bus
// via org.freedesktop.Notifications, mirroring the session-bus
// connection idiom the IBus engine uses. It is advisory only: every
// failure is logged and swallowed, never returned, since a missing
// notification must never block or fail authorization.
type DesktopNotifier struct{}

// NewDesktopNotifier returns a Notifier that is a no-op unless a
// session bus address is present in the environment.
func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{}
}

func (n *DesktopNotifier) NotifyGranted(vaultEnvelopeID, purpose string) error {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		log.Printf("breakglass: no session bus address, skipping desktop notification")
		return nil
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		log.Printf("breakglass: desktop notification unavailable: %v", err)
		return nil
	}

	obj := conn.Object(notificationsService, dbus.ObjectPath(notificationsPath))
	summary := "Break-glass export authorized"
	body := fmt.Sprintf("Vault envelope %s unlocked for: %s", vaultEnvelopeID, purpose)

	call := obj.Call(notificationsInterface+".Notify", 0,
		"pwk", uint32(0), "", summary, body, []string{}, map[string]dbus.Variant{}, int32(5000))
	if call.Err != nil {
		log.Printf("breakglass: desktop notification failed: %v", call.Err)
	}
	return nil
}
