package ledger

import (
	"log/slog"
	"strings"
)

// Detector classifies inbound webhook messages as echoes of our own sends.
type Detector struct {
	ledger    *Ledger
	onPhantom func(recipient string, e Entry)
}

// NewDetector creates a Detector over l. onPhantom, if non-nil, is called for
// every suppressed echo (metrics hook).
func NewDetector(l *Ledger, onPhantom func(recipient string, e Entry)) *Detector {
	return &Detector{ledger: l, onPhantom: onPhantom}
}

// IsPhantomEcho reports whether an inbound message from recipient with the
// given text (or document reference) matches something we attempted to send
// to that recipient within the ledger window. Callers must treat a match as
// already handled, not as new user activity.
func (d *Detector) IsPhantomEcho(recipient, text string) bool {
	if strings.TrimSpace(recipient) == "" || strings.TrimSpace(text) == "" {
		return false
	}
	e, ok := d.ledger.Lookup(recipient, text)
	if !ok {
		return false
	}
	slog.Info("Detector.IsPhantomEcho: suppressing echo of outbound message",
		"recipient", recipient,
		"correlationID", e.CorrelationID,
		"fingerprint", e.Fingerprint,
		"attemptSucceeded", e.Succeeded,
		"sentAt", e.Timestamp)
	if d.onPhantom != nil {
		d.onPhantom(recipient, e)
	}
	return true
}
