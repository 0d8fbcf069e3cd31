// Package models defines the core data structures for wadispatch.
//
// It includes message kinds and payloads, dispatch jobs, and the inbound
// message shape, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the shape of an outbound message.
type Kind string

const (
	// KindText sends a plain text body.
	KindText Kind = "text"
	// KindDocument sends a media reference with a filename and optional caption.
	KindDocument Kind = "document"
	// KindInteractive sends a body with selectable options.
	KindInteractive Kind = "interactive"
)

// Validation constants for input validation
const (
	// MaxBodyLength defines the maximum allowed length for a text or interactive body
	MaxBodyLength = 4096
	// MaxOptionsCount defines the maximum number of interactive options allowed
	MaxOptionsCount = 10
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient  = errors.New("recipient cannot be empty")
	ErrInvalidKind     = errors.New("invalid message kind")
	ErrEmptyContent    = errors.New("message content cannot be empty")
	ErrBodyTooLong     = errors.New("message body exceeds maximum length")
	ErrMissingMedia    = errors.New("media reference is required for documents")
	ErrMissingFilename = errors.New("filename is required for documents")
	ErrTooManyOptions  = errors.New("too many interactive options")
)

// IsValidKind checks if the given kind is supported.
func IsValidKind(k Kind) bool {
	switch k {
	case KindText, KindDocument, KindInteractive:
		return true
	default:
		return false
	}
}

// Payload is the content of an outbound message. Which fields are meaningful
// depends on the Kind: Body for text and interactive, Media/Filename/Caption
// for documents, Options for interactive.
type Payload struct {
	Body     string   `json:"body,omitempty"`
	Media    string   `json:"media,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Validate checks that the payload carries the content required by kind.
func (p Payload) Validate(kind Kind) error {
	switch kind {
	case KindText:
		if strings.TrimSpace(p.Body) == "" {
			return ErrEmptyContent
		}
		if len(p.Body) > MaxBodyLength {
			return fmt.Errorf("%w: %d > %d", ErrBodyTooLong, len(p.Body), MaxBodyLength)
		}
	case KindDocument:
		if strings.TrimSpace(p.Media) == "" {
			return ErrMissingMedia
		}
		if strings.TrimSpace(p.Filename) == "" {
			return ErrMissingFilename
		}
	case KindInteractive:
		if strings.TrimSpace(p.Body) == "" {
			return ErrEmptyContent
		}
		if len(p.Body) > MaxBodyLength {
			return fmt.Errorf("%w: %d > %d", ErrBodyTooLong, len(p.Body), MaxBodyLength)
		}
		if len(p.Options) > MaxOptionsCount {
			return fmt.Errorf("%w: %d > %d", ErrTooManyOptions, len(p.Options), MaxOptionsCount)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return nil
}

// InboundMessage represents a message received from the gateway webhook.
type InboundMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
	// Media is set when the inbound message carries a document reference.
	Media string `json:"media,omitempty"`
	Time  int64  `json:"time"`
}

// Content returns the text used for echo correlation: the body, or the
// document reference when there is no body.
func (m InboundMessage) Content() string {
	if m.Body != "" {
		return m.Body
	}
	return m.Media
}
