package envelope

import (
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "text only",
			env:  Envelope{Surface: "telegram", From: "1", Body: "hi"},
		},
		{
			name: "media only",
			env:  Envelope{Surface: "whatsapp", From: "+1", Media: &Media{Path: "/tmp/x.jpg"}},
		},
		{
			name:    "empty text without media",
			env:     Envelope{Surface: "whatsapp", From: "+1", Body: "   "},
			wantErr: true,
		},
		{
			name:    "missing surface",
			env:     Envelope{From: "+1", Body: "hi"},
			wantErr: true,
		},
		{
			name:    "missing from",
			env:     Envelope{Surface: "whatsapp", Body: "hi"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPayloadMediaExclusivity(t *testing.T) {
	both := Payload{Text: "x", MediaURL: "a.png", MediaURLs: []string{"b.png"}}
	if err := both.Validate(); err == nil {
		t.Error("payload with both mediaUrl and mediaUrls validated")
	}

	single := Payload{MediaURL: "a.png"}
	if err := single.Validate(); err != nil {
		t.Errorf("media-only payload rejected: %v", err)
	}
	if got := single.AllMedia(); len(got) != 1 || got[0] != "a.png" {
		t.Errorf("AllMedia = %v", got)
	}

	empty := Payload{Text: "  "}
	if err := empty.Validate(); err == nil {
		t.Error("empty payload validated: empty text is legal only when media exists")
	}
}

func TestExpandTemplate(t *testing.T) {
	env := &Envelope{
		Surface:      "whatsapp",
		From:         "+1555",
		ChatType:     ChatGroup,
		Body:         "/new hello",
		CommandBody:  "hello",
		SenderName:   "Sam",
		GroupSubject: "Family",
		Media:        &Media{Transcript: "voice words"},
	}

	tests := []struct {
		tmpl string
		want string
	}{
		{"{{Body}}", "/new hello"},
		{"{{CommandBody}}", "hello"},
		{"{{SenderName}} in {{GroupSubject}}", "Sam in Family"},
		{"{{Channel}}/{{ChatType}}", "whatsapp/group"},
		{"{{From}}", "+1555"},
		{"{{MediaTranscript}}", "voice words"},
		{"{{Unknown}} stays empty", " stays empty"},
		{"no placeholders", "no placeholders"},
	}

	for _, tt := range tests {
		if got := ExpandTemplate(tt.tmpl, env); got != tt.want {
			t.Errorf("ExpandTemplate(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestExpandTemplateIsPure(t *testing.T) {
	env := &Envelope{Surface: "telegram", From: "1", Body: "hi"}
	ExpandTemplate("{{Body}} {{SenderName}}", env)
	if env.Body != "hi" || env.Surface != "telegram" || env.From != "1" {
		t.Error("ExpandTemplate mutated the envelope")
	}
}
