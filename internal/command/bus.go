// Package command parses the text commands accepted from the console, the
// keyboard topic and remote clients, and applies them to the pipeline.
package command

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/tracking.frontend/internal/monitoring"
)

// ErrUnknownCommand is returned for text outside the vocabulary.
var ErrUnknownCommand = errors.New("unknown command")

// Target receives parsed commands. *pipeline.Orchestrator implements it.
type Target interface {
	Reset()
	KeyPress(key string)
	SetMapping(enabled bool)
	Stop()
}

// Keys forwarded to the tracker.
const (
	KeySpace = "Space"
	KeyReset = "r"
)

// Journal keeps a record of every command seen, accepted or not.
// *sqlite.Store implements it.
type Journal interface {
	RecordCommand(text string, applyErr error) error
}

// Bus applies commands to a Target. It is safe for concurrent use.
type Bus struct {
	target  Target
	journal Journal
	logf    func(format string, v ...interface{})

	mu      sync.Mutex
	mapping bool

	applied  atomic.Uint64
	rejected atomic.Uint64
}

// NewBus returns a bus for target. Mapping is assumed enabled at start.
func NewBus(target Target) *Bus {
	return &Bus{target: target, logf: monitoring.For("command"), mapping: true}
}

// Vocabulary lists the accepted commands, for help output.
func Vocabulary() []string {
	return []string{
		"reset",
		"quit | exit",
		"space",
		"r",
		"keypress <Space|r>",
		"mapping <on|off|toggle>",
	}
}

// SetJournal installs j. Call it before the bus is shared.
func (b *Bus) SetJournal(j Journal) { b.journal = j }

// Apply parses text and forwards it to the target. Matching is case
// insensitive except for key names, which the keyboard path sends verbatim.
func (b *Bus) Apply(text string) error {
	err := b.apply(text)
	if b.journal != nil {
		if jerr := b.journal.RecordCommand(text, err); jerr != nil {
			b.logf("journal %q: %v", text, jerr)
		}
	}
	return err
}

func (b *Bus) apply(text string) error {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return b.reject(text)
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch {
	case verb == "reset" && len(args) == 0:
		b.target.Reset()
	case (verb == "quit" || verb == "exit") && len(args) == 0:
		b.target.Stop()
	case verb == "space" && len(args) == 0:
		b.target.KeyPress(KeySpace)
	case fields[0] == KeyReset && len(args) == 0:
		b.target.KeyPress(KeyReset)
	case verb == "keypress" && len(args) == 1:
		key, ok := keyName(args[0])
		if !ok {
			return b.reject(text)
		}
		b.target.KeyPress(key)
	case verb == "mapping" && len(args) == 1:
		enabled, ok := b.mappingArg(args[0])
		if !ok {
			return b.reject(text)
		}
		b.target.SetMapping(enabled)
	default:
		return b.reject(text)
	}
	b.applied.Add(1)
	b.logf("applied %q", text)
	return nil
}

func keyName(s string) (string, bool) {
	switch {
	case strings.EqualFold(s, KeySpace):
		return KeySpace, true
	case s == KeyReset:
		return KeyReset, true
	}
	return "", false
}

func (b *Bus) mappingArg(s string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch strings.ToLower(s) {
	case "on":
		b.mapping = true
	case "off":
		b.mapping = false
	case "toggle":
		b.mapping = !b.mapping
	default:
		return false, false
	}
	return b.mapping, true
}

func (b *Bus) reject(text string) error {
	b.rejected.Add(1)
	b.logf("rejected %q", text)
	return fmt.Errorf("%w: %q", ErrUnknownCommand, text)
}

// Counts returns how many commands were applied and rejected.
func (b *Bus) Counts() (applied, rejected uint64) {
	return b.applied.Load(), b.rejected.Load()
}
