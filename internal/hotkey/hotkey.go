// Package hotkey defines the trigger contract between the emergency
// orchestrator and the external global-hotkey collaborator. The actual
// key-grabbing plumbing lives outside this agent; only the combination
// model and the registrar interface are owned here.
package hotkey

import (
	"fmt"
	"strings"

	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("hotkey")

// Combo is a parsed hotkey combination such as ctrl+alt+f8.
type Combo struct {
	Ctrl  bool
	Alt   bool
	Shift bool
	Win   bool
	Key   string
}

// String renders the combination in its canonical lowercase form.
func (c Combo) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "ctrl")
	}
	if c.Alt {
		parts = append(parts, "alt")
	}
	if c.Shift {
		parts = append(parts, "shift")
	}
	if c.Win {
		parts = append(parts, "win")
	}
	parts = append(parts, c.Key)
	return strings.Join(parts, "+")
}

// Parse parses a combination like "ctrl+alt+f8": one or more modifiers
// followed by exactly one key.
func Parse(s string) (Combo, error) {
	var combo Combo

	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) < 2 {
		return combo, fmt.Errorf("hotkey %q needs at least one modifier and a key", s)
	}

	for _, mod := range parts[:len(parts)-1] {
		switch mod {
		case "ctrl":
			combo.Ctrl = true
		case "alt":
			combo.Alt = true
		case "shift":
			combo.Shift = true
		case "win":
			combo.Win = true
		default:
			return Combo{}, fmt.Errorf("hotkey %q has unknown modifier %q", s, mod)
		}
	}

	key := parts[len(parts)-1]
	if key == "" {
		return Combo{}, fmt.Errorf("hotkey %q is missing a terminal key", s)
	}
	combo.Key = key

	return combo, nil
}

// Registrar binds a combination to a callback. Implementations live with
// the host application's message loop.
type Registrar interface {
	Register(combo Combo, fn func()) error
	Unregister() error
}

// Noop returns a registrar that only logs, for headless and CLI use
// where no hotkey collaborator is attached.
func Noop() Registrar {
	return noopRegistrar{}
}

type noopRegistrar struct{}

func (noopRegistrar) Register(combo Combo, fn func()) error {
	log.Info("no hotkey collaborator attached, combination not bound", "combo", combo.String())
	return nil
}

func (noopRegistrar) Unregister() error { return nil }
