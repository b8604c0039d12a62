// Package proto implements the message-framed broker protocol: the
// declarative schema of commands and their typed fields, and the
// per-request transaction state machine translating between wire messages
// and engine operations.
package proto

// Version is the protocol version spoken by this broker.
const Version int64 = 2

// Message types.
const (
	MsgTypeRequest  = "request"
	MsgTypeAccept   = "accept"
	MsgTypeNotify   = "notify"
	MsgTypeComplete = "complete"
	MsgTypeFail     = "fail"
)

// Commands.
const (
	CmdHello         = "hello"
	CmdSubscribe     = "subscribe"
	CmdUnsubscribe   = "unsubscribe"
	CmdPublish       = "publish"
	CmdUnpublish     = "unpublish"
	CmdPing          = "ping"
	CmdSubscriptions = "subscriptions"
	CmdServices      = "services"
	CmdClients       = "clients"
)

// The three fields every message carries.
const (
	FieldTACmd   = "ta-cmd"
	FieldTAID    = "ta-id"
	FieldMsgType = "msg-type"
)

const numMandatoryFields = 3

// Command- and phase-specific fields.
const (
	FieldFailReason = "fail-reason"

	FieldProtoMinVersion = "protocol-minimum-version"
	FieldProtoMaxVersion = "protocol-maximum-version"
	FieldProtoVersion    = "protocol-version"

	FieldServiceID    = "service-id"
	FieldServiceProps = "service-props"

	FieldGeneration  = "generation"
	FieldTTL         = "ttl"
	FieldOrphanSince = "orphan-since"

	FieldSubscriptionID = "subscription-id"
	FieldFilter         = "filter"

	FieldClientID   = "client-id"
	FieldClientAddr = "client-address"
	FieldTime       = "time"

	FieldMatchType = "match-type"
)

// The closed set of fail reasons.
const (
	FailReasonNoHello               = "no-hello"
	FailReasonClientIDExists        = "client-id-exists"
	FailReasonInvalidFilterSyntax   = "invalid-filter-syntax"
	FailReasonSubscriptionIDExists  = "subscription-id-exists"
	FailReasonNonExistentSubID      = "non-existent-subscription-id"
	FailReasonNonExistentServiceID  = "non-existent-service-id"
	FailReasonUnsupportedVersion    = "unsupported-protocol-version"
	FailReasonPermissionDenied      = "permission-denied"
	FailReasonOldGeneration         = "old-generation"
	FailReasonSameGenerationButDiff = "same-generation-but-different"
	FailReasonInsufficientResources = "insufficient-resources"
)

// FieldType is the wire type of a protocol field.
type FieldType int

const (
	// FieldUint63 is a non-negative integer in the 63-bit range.
	FieldUint63 FieldType = iota
	// FieldNumber is a floating-point number.
	FieldNumber
	// FieldStr is a string.
	FieldStr
	// FieldProps is a property bag object.
	FieldProps
	// FieldMatch is a match-type enum string.
	FieldMatch
)

// Field describes one typed protocol field.
type Field struct {
	Name string
	Type FieldType
}

// Interaction distinguishes single-response from streaming transactions.
type Interaction int

const (
	// SingleResponse transactions answer with one complete or fail.
	SingleResponse Interaction = iota
	// MultiResponse transactions answer with accept, any number of
	// notify messages, and a final complete or fail.
	MultiResponse
)

// TAType declares one command: its interaction pattern and the fields of
// each message phase.
type TAType struct {
	Cmd             string
	Interaction     Interaction
	ReqFields       []Field
	OptReqFields    []Field
	NotifyFields    []Field
	OptNotifyFields []Field
	CompleteFields  []Field
	OptFailFields   []Field
}

var helloTA = &TAType{
	Cmd:         CmdHello,
	Interaction: SingleResponse,
	ReqFields: []Field{
		{FieldClientID, FieldUint63},
		{FieldProtoMinVersion, FieldUint63},
		{FieldProtoMaxVersion, FieldUint63},
	},
	CompleteFields: []Field{
		{FieldProtoVersion, FieldUint63},
	},
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var publishTA = &TAType{
	Cmd:         CmdPublish,
	Interaction: SingleResponse,
	ReqFields: []Field{
		{FieldServiceID, FieldUint63},
		{FieldGeneration, FieldUint63},
		{FieldServiceProps, FieldProps},
		{FieldTTL, FieldUint63},
	},
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var unpublishTA = &TAType{
	Cmd:         CmdUnpublish,
	Interaction: SingleResponse,
	ReqFields: []Field{
		{FieldServiceID, FieldUint63},
	},
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var subscribeTA = &TAType{
	Cmd:         CmdSubscribe,
	Interaction: MultiResponse,
	ReqFields: []Field{
		{FieldSubscriptionID, FieldUint63},
	},
	OptReqFields: []Field{
		{FieldFilter, FieldStr},
	},
	NotifyFields: []Field{
		{FieldMatchType, FieldMatch},
		{FieldServiceID, FieldUint63},
	},
	OptNotifyFields: []Field{
		{FieldGeneration, FieldUint63},
		{FieldServiceProps, FieldProps},
		{FieldTTL, FieldUint63},
		{FieldClientID, FieldUint63},
		{FieldOrphanSince, FieldNumber},
	},
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var unsubscribeTA = &TAType{
	Cmd:         CmdUnsubscribe,
	Interaction: SingleResponse,
	ReqFields: []Field{
		{FieldSubscriptionID, FieldUint63},
	},
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var pingTA = &TAType{
	Cmd:         CmdPing,
	Interaction: SingleResponse,
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var servicesTA = &TAType{
	Cmd:         CmdServices,
	Interaction: MultiResponse,
	OptReqFields: []Field{
		{FieldFilter, FieldStr},
	},
	NotifyFields: []Field{
		{FieldServiceID, FieldUint63},
		{FieldGeneration, FieldUint63},
		{FieldServiceProps, FieldProps},
		{FieldTTL, FieldUint63},
		{FieldClientID, FieldUint63},
	},
	OptNotifyFields: []Field{
		{FieldOrphanSince, FieldNumber},
	},
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var subscriptionsTA = &TAType{
	Cmd:         CmdSubscriptions,
	Interaction: MultiResponse,
	NotifyFields: []Field{
		{FieldSubscriptionID, FieldUint63},
		{FieldClientID, FieldUint63},
	},
	OptNotifyFields: []Field{
		{FieldFilter, FieldStr},
	},
}

var clientsTA = &TAType{
	Cmd:         CmdClients,
	Interaction: MultiResponse,
	NotifyFields: []Field{
		{FieldClientID, FieldUint63},
		{FieldClientAddr, FieldStr},
		{FieldTime, FieldUint63},
	},
	OptFailFields: []Field{
		{FieldFailReason, FieldStr},
	},
}

var taTypes = []*TAType{
	helloTA,
	publishTA,
	unpublishTA,
	subscribeTA,
	unsubscribeTA,
	pingTA,
	servicesTA,
	subscriptionsTA,
	clientsTA,
}

// LookupType returns the transaction type declared for cmd, or nil.
func LookupType(cmd string) *TAType {
	for _, t := range taTypes {
		if t.Cmd == cmd {
			return t
		}
	}
	return nil
}
