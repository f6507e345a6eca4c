package notify

import (
	"fmt"
	"os/exec"
	"runtime"
)

// DesktopNotifier sends OS desktop notifications so an unattended run
// can still flag decisions that need a human at the machine
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send dispatches the notification through the platform's native
// mechanism; unsupported platforms are silently skipped
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	script := fmt.Sprintf("display notification %q with title %q", n.Message, n.Title)
	if n.RunID != "" {
		script += fmt.Sprintf(" subtitle %q", n.RunID)
	}
	return exec.Command("osascript", "-e", script).Run()
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	urgency := "normal"
	if n.Type == NotifyError {
		urgency = "critical"
	}
	cmd := exec.Command("notify-send",
		"-i", IconForType(n.Type),
		"-u", urgency,
		n.Title, n.Message)
	return cmd.Run()
}

// IconForType maps a notification type to a freedesktop icon name
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "emblem-default"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
