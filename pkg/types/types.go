package types

import "fmt"

type NodeID string
type CorrelationID string
type ObjectID string

// Action is the role/direction a workflow record represents. It is fixed when
// the record is created and never reassigned.
type Action string

const (
	ActionReplicate Action = "replicate"
	ActionReceive   Action = "receive"
	ActionRecovery  Action = "recovery"
)

// Role distinguishes the node that minted a transaction from the nodes
// answering it.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type Step string

const (
	StepInitQuery       Step = "init_query"
	StepAvailableReply  Step = "available_reply"
	StepLocationReply   Step = "location_reply"
	StepTransferRequest Step = "transfer_request"
	StepTransferReply   Step = "transfer_reply"
	StepTransferStatus  Step = "transfer_status"
	StepVerifyReply     Step = "verify_reply"
	StepComplete        Step = "complete"
	StepCancelled       Step = "cancelled"
)

// replicationOrder and recoveryOrder give each family's steps their position.
var (
	replicationOrder = map[Step]int{
		StepInitQuery:      0,
		StepAvailableReply: 1,
		StepLocationReply:  2,
		StepTransferReply:  3,
		StepVerifyReply:    4,
		StepComplete:       5,
	}
	recoveryOrder = map[Step]int{
		StepInitQuery:       0,
		StepAvailableReply:  1,
		StepTransferRequest: 2,
		StepTransferReply:   3,
		StepTransferStatus:  4,
		StepComplete:        5,
	}
)

// Rank returns the position of s within the step family of action, or -1 if
// the step does not belong to that family.
func (s Step) Rank(action Action) int {
	order := replicationOrder
	if action == ActionRecovery {
		order = recoveryOrder
	}
	if r, ok := order[s]; ok {
		return r
	}
	return -1
}

func (s Step) Terminal() bool {
	return s == StepComplete || s == StepCancelled
}

type State string

const (
	StatePending   State = "pending"
	StateStarted   State = "started"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

type Protocol string

const (
	ProtocolHTTPS Protocol = "https"
	ProtocolRsync Protocol = "rsync"
)

func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolHTTPS, ProtocolRsync:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// ObjectType classifies a registry entry.
type ObjectType string

const (
	ObjectData         ObjectType = "data"
	ObjectRights       ObjectType = "rights"
	ObjectBrightening  ObjectType = "brightening"
	ObjectInterpretive ObjectType = "interpretive"
)

func ParseObjectType(s string) (ObjectType, error) {
	switch ObjectType(s) {
	case ObjectData, ObjectRights, ObjectBrightening, ObjectInterpretive:
		return ObjectType(s), nil
	}
	return "", fmt.Errorf("unknown object type %q", s)
}
