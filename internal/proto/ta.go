package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Ericsson/tpaf/internal/props"
	"github.com/Ericsson/tpaf/internal/sd"
)

// TAState tracks a transaction through its lifetime.
type TAState int

const (
	TAInitialized TAState = iota
	TARequested
	TAAccepted
	TACompleted
	TAFailed
)

// TA is one protocol transaction: a parsed request and the state machine
// producing its response stream.
type TA struct {
	typ   *TAType
	state TAState
	taID  int64

	reqValues map[string]any

	log zerolog.Logger
}

// NewTA returns a transaction awaiting its request.
func NewTA(log zerolog.Logger) *TA {
	return &TA{
		state: TAInitialized,
		taID:  -1,
		log:   log,
	}
}

// Cmd returns the request's command name, or the empty string before a
// request has been parsed.
func (t *TA) Cmd() string {
	if t.typ == nil {
		return ""
	}
	return t.typ.Cmd
}

// ID returns the client-assigned transaction id.
func (t *TA) ID() int64 { return t.taID }

// Terminated reports whether the transaction has reached a terminal
// state.
func (t *TA) Terminated() bool {
	return t.state == TACompleted || t.state == TAFailed
}

// Request parses and validates a request message against the command
// table. Any deviation - malformed JSON, a missing or mistyped field, a
// negative value in a non-negative field, unknown fields, or an unknown
// command - is an error; the caller treats it as a peer violation.
func (t *TA) Request(data []byte) error {
	if t.state != TAInitialized {
		panic("proto: request on already-requested transaction")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		t.log.Debug().Err(err).Msg("Error parsing request message JSON")
		return fmt.Errorf("malformed request: %w", err)
	}
	if dec.More() {
		t.log.Debug().Msg("Request message has trailing data")
		return fmt.Errorf("malformed request: trailing data")
	}

	taID, err := uint63Field(msg, FieldTAID)
	if err != nil {
		t.log.Info().Err(err).Msg("Request message has an unusable transaction id")
		return err
	}
	t.taID = taID

	log := t.log.With().Int64("ta", taID).Logger()
	t.log = log

	cmd, err := strField(msg, FieldTACmd)
	if err != nil {
		log.Info().Err(err).Msg("Request message has an unusable command field")
		return err
	}

	msgType, err := strField(msg, FieldMsgType)
	if err != nil {
		return err
	}
	if msgType != MsgTypeRequest {
		log.Debug().Str("msg-type", msgType).
			Msg("Message is not of the request type")
		return fmt.Errorf("unexpected message type %q", msgType)
	}

	t.typ = LookupType(cmd)
	if t.typ == nil {
		log.Debug().Str("cmd", cmd).
			Msg("Request message has unknown command")
		return fmt.Errorf("unknown command %q", cmd)
	}

	values := make(map[string]any)

	numReq, err := getFields(msg, t.typ.ReqFields, false, values)
	if err != nil {
		log.Info().Err(err).Msg("Invalid required request field")
		return err
	}
	numOpt, err := getFields(msg, t.typ.OptReqFields, true, values)
	if err != nil {
		log.Info().Err(err).Msg("Invalid optional request field")
		return err
	}

	visited := numMandatoryFields + numReq + numOpt
	if len(msg) > visited {
		log.Info().Int("unknown", len(msg)-visited).
			Msg("Request message carries unknown fields")
		return fmt.Errorf("request carries %d unknown fields", len(msg)-visited)
	}

	t.reqValues = values
	t.state = TARequested

	log.Debug().Str("cmd", cmd).Msg("Command request received")

	return nil
}

// Uint63 returns a required non-negative integer request field.
func (t *TA) Uint63(name string) int64 {
	return t.reqValues[name].(int64)
}

// PropsField returns a required property bag request field.
func (t *TA) PropsField(name string) *props.Props {
	return t.reqValues[name].(*props.Props)
}

// OptStr returns an optional string request field.
func (t *TA) OptStr(name string) (string, bool) {
	v, ok := t.reqValues[name]
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Args carries the field values of an outgoing response message, keyed by
// field name. Value types per field type: int64 for non-negative
// integers, float64 for numbers, string for strings, *props.Props for
// property bags, and sd.MatchType for match types.
type Args map[string]any

// Accept emits the accept message opening a multi-response stream.
func (t *TA) Accept() []byte {
	if t.typ.Interaction != MultiResponse || t.state != TARequested {
		panic("proto: accept in invalid transaction state")
	}
	response := t.produce(MsgTypeAccept, nil, nil, nil)
	t.state = TAAccepted
	return response
}

// Notify emits one notify message on an accepted multi-response stream.
func (t *TA) Notify(args Args) []byte {
	if t.typ.Interaction != MultiResponse || t.state != TAAccepted {
		panic("proto: notify in invalid transaction state")
	}
	return t.produce(MsgTypeNotify, t.typ.NotifyFields, t.typ.OptNotifyFields, args)
}

// Complete emits the terminal complete message.
func (t *TA) Complete(args Args) []byte {
	if t.typ.Interaction == SingleResponse {
		if t.state != TARequested {
			panic("proto: complete in invalid transaction state")
		}
	} else if t.state != TAAccepted {
		panic("proto: complete in invalid transaction state")
	}
	response := t.produce(MsgTypeComplete, t.typ.CompleteFields, nil, args)
	t.state = TACompleted
	return response
}

// Fail emits the terminal fail message with the given reason.
func (t *TA) Fail(reason string) []byte {
	if t.Terminated() {
		panic("proto: fail on terminated transaction")
	}
	response := t.produce(MsgTypeFail, nil, t.typ.OptFailFields,
		Args{FieldFailReason: reason})
	t.state = TAFailed
	return response
}

func (t *TA) produce(msgType string, fields, optFields []Field, args Args) []byte {
	msg := map[string]any{
		FieldTACmd:   t.typ.Cmd,
		FieldTAID:    t.taID,
		FieldMsgType: msgType,
	}

	for _, f := range fields {
		value, ok := args[f.Name]
		if !ok {
			panic(fmt.Sprintf("proto: response is missing mandatory field %q", f.Name))
		}
		msg[f.Name] = encodeField(f, value)
	}

	for _, f := range optFields {
		value, ok := args[f.Name]
		if !ok {
			continue
		}
		msg[f.Name] = encodeField(f, value)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("proto: response marshaling failed: %v", err))
	}
	return data
}

func encodeField(f Field, value any) any {
	switch f.Type {
	case FieldUint63:
		v, ok := value.(int64)
		if !ok || v < 0 {
			panic(fmt.Sprintf("proto: field %q requires a non-negative int64", f.Name))
		}
		return v
	case FieldNumber:
		v, ok := value.(float64)
		if !ok {
			panic(fmt.Sprintf("proto: field %q requires a float64", f.Name))
		}
		return v
	case FieldStr:
		v, ok := value.(string)
		if !ok {
			panic(fmt.Sprintf("proto: field %q requires a string", f.Name))
		}
		return v
	case FieldProps:
		v, ok := value.(*props.Props)
		if !ok {
			panic(fmt.Sprintf("proto: field %q requires a property bag", f.Name))
		}
		return propsToJSON(v)
	case FieldMatch:
		v, ok := value.(sd.MatchType)
		if !ok {
			panic(fmt.Sprintf("proto: field %q requires a match type", f.Name))
		}
		return v.String()
	default:
		panic(fmt.Sprintf("proto: field %q has invalid type", f.Name))
	}
}

func getFields(msg map[string]any, fields []Field, opt bool,
	values map[string]any) (int, error) {

	matched := 0

	for _, f := range fields {
		raw, present := msg[f.Name]
		if !present {
			if opt {
				continue
			}
			return 0, fmt.Errorf("request is missing required field %q", f.Name)
		}

		value, err := decodeField(f, raw)
		if err != nil {
			return 0, err
		}

		values[f.Name] = value
		matched++
	}

	return matched, nil
}

func decodeField(f Field, raw any) (any, error) {
	switch f.Type {
	case FieldUint63:
		return uint63Value(f.Name, raw)
	case FieldNumber:
		num, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("field %q is not a number", f.Name)
		}
		v, err := num.Float64()
		if err != nil {
			return nil, fmt.Errorf("field %q is not a number: %w", f.Name, err)
		}
		return v, nil
	case FieldStr:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("field %q is not a string", f.Name)
		}
		return s, nil
	case FieldProps:
		return propsFromJSON(f.Name, raw)
	case FieldMatch:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("field %q is not a string", f.Name)
		}
		match, ok := sd.ParseMatchType(s)
		if !ok {
			return nil, fmt.Errorf("field %q holds invalid match type %q", f.Name, s)
		}
		return match, nil
	default:
		return nil, fmt.Errorf("field %q has invalid type", f.Name)
	}
}

func uint63Value(name string, raw any) (int64, error) {
	num, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %q is not an integer", name)
	}
	v, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("field %q is not an integer: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("non-negative integer field %q has value %d", name, v)
	}
	return v, nil
}

func uint63Field(msg map[string]any, name string) (int64, error) {
	raw, present := msg[name]
	if !present {
		return 0, fmt.Errorf("request is missing required field %q", name)
	}
	return uint63Value(name, raw)
}

func strField(msg map[string]any, name string) (string, error) {
	raw, present := msg[name]
	if !present {
		return "", fmt.Errorf("request is missing required field %q", name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", name)
	}
	return s, nil
}
