package notify

import (
	"log"
	"os"
	"os/exec"
	"strings"
)

// DesktopConfig controls how desktop notifications are delivered for new
// library images.
type DesktopConfig struct {
	Command string // shell command template, e.g. "notify-send 'Easel' '{{.Path}}'"
}

// Desktop runs the configured desktop notification command for a saved
// asset. Best-effort: errors are logged, not returned.
func Desktop(n Notification, cfg DesktopConfig) {
	if cfg.Command != "" {
		cmdStr := templateNotification(cfg.Command, n)
		cmd := exec.Command("sh", "-c", cmdStr)
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Printf("notify: command failed: %v: %s", err, strings.TrimSpace(string(out)))
		}
	}

	// If inside tmux, also display a tmux message.
	if os.Getenv("TMUX") != "" && cfg.Command != "" {
		tmuxMsg := "easel: saved " + n.SavePath
		cmd := exec.Command("tmux", "display-message", tmuxMsg)
		if err := cmd.Run(); err != nil {
			log.Printf("notify: tmux display-message failed: %v", err)
		}
	}
}

// templateNotification replaces placeholders in the command template with
// notification values.
func templateNotification(command string, n Notification) string {
	r := strings.NewReplacer(
		"{{.Path}}", n.SavePath,
		"{{.Sref}}", n.Sref,
		"{{.Category}}", n.Category,
		"{{.MessageID}}", n.MessageID,
	)
	return r.Replace(command)
}
