// Package notifier delivers human-readable notifications for core events.
package notifier

// TextNotifier is a minimal text delivery interface. Components depend on it
// rather than on a concrete channel, so delivery targets can be swapped or
// stacked without touching the event plumbing.
type TextNotifier interface {
	SendText(text string) error
}

// Multi fans one message out to several notifiers, best-effort: the first
// error is returned but every notifier is attempted.
type Multi []TextNotifier

func (m Multi) SendText(text string) error {
	var first error
	for _, n := range m {
		if err := n.SendText(text); err != nil && first == nil {
			first = err
		}
	}
	return first
}
