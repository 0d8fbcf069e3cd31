package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		payload Payload
		wantErr error
	}{
		{name: "text ok", kind: KindText, payload: Payload{Body: "Hello"}},
		{name: "text empty", kind: KindText, payload: Payload{Body: "   "}, wantErr: ErrEmptyContent},
		{name: "text too long", kind: KindText, payload: Payload{Body: strings.Repeat("a", MaxBodyLength+1)}, wantErr: ErrBodyTooLong},
		{name: "document ok", kind: KindDocument, payload: Payload{Media: "https://cdn.example.com/a.pdf", Filename: "a.pdf"}},
		{name: "document without media", kind: KindDocument, payload: Payload{Filename: "a.pdf"}, wantErr: ErrMissingMedia},
		{name: "document without filename", kind: KindDocument, payload: Payload{Media: "https://cdn.example.com/a.pdf"}, wantErr: ErrMissingFilename},
		{name: "interactive ok", kind: KindInteractive, payload: Payload{Body: "Pick one", Options: []string{"Yes", "No"}}},
		{name: "interactive too many options", kind: KindInteractive, payload: Payload{Body: "Pick", Options: make([]string, MaxOptionsCount+1)}, wantErr: ErrTooManyOptions},
		{name: "unknown kind", kind: Kind("sticker"), payload: Payload{Body: "x"}, wantErr: ErrInvalidKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate(tt.kind)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	if JobStatePending.IsTerminal() || JobStateInFlight.IsTerminal() {
		t.Error("pending and in-flight must not be terminal")
	}
	if !JobStateDone.IsTerminal() || !JobStateAbandoned.IsTerminal() {
		t.Error("done and abandoned must be terminal")
	}
}

func TestDispatchJobExhausted(t *testing.T) {
	job := &DispatchJob{Attempts: 2, MaxAttempts: 3, NextAttemptAt: time.Now()}
	if job.Exhausted() {
		t.Error("job with 2 of 3 attempts should not be exhausted")
	}
	job.Attempts++
	if !job.Exhausted() {
		t.Error("job with 3 of 3 attempts should be exhausted")
	}
}

func TestInboundMessageContent(t *testing.T) {
	if got := (InboundMessage{Body: "hi", Media: "m"}).Content(); got != "hi" {
		t.Errorf("expected body, got %q", got)
	}
	if got := (InboundMessage{Media: "https://cdn.example.com/a.pdf"}).Content(); got != "https://cdn.example.com/a.pdf" {
		t.Errorf("expected media reference, got %q", got)
	}
}
