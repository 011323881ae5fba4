// Package gateway holds the chat-side helpers the core exposes to whatever
// transport is injected: the /notify command handler and the message
// chunker for transports with a hard length limit.
package gateway

import (
	"strings"

	"github.com/itsneelabh/warden/persistence"
)

const notifyUsage = "Usage: /notify on|off|status"

// HandleNotifyCommand implements /notify on|off|status against the per-chat
// toggle in the config table. The returned text is sent back to the chat
// verbatim.
func HandleNotifyCommand(outbox *persistence.OutboxStore, chatID, commandText string) string {
	parts := strings.Fields(strings.TrimSpace(commandText))
	if len(parts) < 2 {
		return notifyUsage
	}

	switch strings.ToLower(parts[1]) {
	case "on":
		if err := outbox.SetNotificationsEnabled(chatID, true); err != nil {
			return "Failed to update notification settings."
		}
		return "Notifications enabled."
	case "off":
		if err := outbox.SetNotificationsEnabled(chatID, false); err != nil {
			return "Failed to update notification settings."
		}
		return "Notifications disabled."
	case "status":
		enabled, err := outbox.NotificationsEnabled(chatID)
		if err != nil {
			return "Failed to read notification settings."
		}
		if enabled {
			return "Notifications are ON."
		}
		return "Notifications are OFF."
	default:
		return notifyUsage
	}
}
