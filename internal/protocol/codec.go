package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	appErrors "sudooom.civic.realtime/internal/errors"
)

// Envelope is the JSON object every frame carries in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// Inbound is a decoded and validated client frame.
type Inbound struct {
	Event ClientEvent
	Ref   string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var factories = map[string]func() ClientEvent{
	EventAuthenticate:      func() ClientEvent { return &Authenticate{} },
	EventJoinConversation:  func() ClientEvent { return &JoinConversation{} },
	EventLeaveConversation: func() ClientEvent { return &LeaveConversation{} },
	EventSendMessage:       func() ClientEvent { return &SendMessage{} },
	EventSendMessageBatch:  func() ClientEvent { return &SendMessageBatch{} },
	EventDeleteMessage:     func() ClientEvent { return &DeleteMessage{} },
	EventTypingStart:       func() ClientEvent { return &TypingStart{} },
	EventTypingStop:        func() ClientEvent { return &TypingStop{} },
	EventPing:              func() ClientEvent { return &Ping{} },
}

// Decode parses one client frame. Unknown events, unknown fields and missing
// required fields all fail with a validation AppError. The returned Inbound
// carries the ref even when decoding the payload failed, so the caller can
// correlate the error.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return Inbound{}, appErrors.ErrValidation.WithMessage("malformed envelope").Wrap(err)
	}

	in := Inbound{Ref: env.Ref}

	factory, ok := factories[env.Event]
	if !ok {
		return in, appErrors.ErrValidation.WithMessage(fmt.Sprintf("unknown event %q", env.Event))
	}

	ptr := factory()
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := strictUnmarshal(env.Data, ptr); err != nil {
			return in, appErrors.ErrValidation.WithMessage(fmt.Sprintf("malformed %s payload", env.Event)).Wrap(err)
		}
	}

	if err := validate.Struct(ptr); err != nil {
		return in, appErrors.ErrValidation.WithMessage(describe(env.Event, err)).Wrap(err)
	}

	in.Event = deref(ptr)
	return in, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// deref hands out values so handlers can switch on concrete types.
func deref(ev ClientEvent) ClientEvent {
	switch e := ev.(type) {
	case *Authenticate:
		return *e
	case *JoinConversation:
		return *e
	case *LeaveConversation:
		return *e
	case *SendMessage:
		return *e
	case *SendMessageBatch:
		return *e
	case *DeleteMessage:
		return *e
	case *TypingStart:
		return *e
	case *TypingStop:
		return *e
	case *Ping:
		return *e
	}
	return ev
}

func describe(event string, err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return fmt.Sprintf("invalid %s payload", event)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Sprintf("invalid %s payload: %s", event, strings.Join(fields, ", "))
}

// Encode serializes a server event into an envelope.
func Encode(ev ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}
