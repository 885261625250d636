package message

import "fmt"

// Name is the closed set of protocol message names. Names arrive as strings
// on the wire and are converted once by ParseName.
type Name int

const (
	NameUnknown Name = iota
	ReplicationInitQuery
	ReplicationAvailableReply
	ReplicationLocationReply
	ReplicationLocationCancel
	ReplicationTransferReply
	ReplicationVerifyReply
	RegistryItemCreate
	RegistryEntryCreated
	RegistryDaterangeSyncRequest
	RegistryListDaterangeReply
	RecoveryInitQuery
	RecoveryAvailableReply
	RecoveryTransferRequest
	RecoveryTransferReply
	RecoveryTransferStatus
)

var nameStrings = map[Name]string{
	ReplicationInitQuery:         "replication-init-query",
	ReplicationAvailableReply:    "replication-available-reply",
	ReplicationLocationReply:     "replication-location-reply",
	ReplicationLocationCancel:    "replication-location-cancel",
	ReplicationTransferReply:     "replication-transfer-reply",
	ReplicationVerifyReply:       "replication-verify-reply",
	RegistryItemCreate:           "registry-item-create",
	RegistryEntryCreated:         "registry-entry-created",
	RegistryDaterangeSyncRequest: "registry-daterange-sync-request",
	RegistryListDaterangeReply:   "registry-list-daterange-reply",
	RecoveryInitQuery:            "recovery-init-query",
	RecoveryAvailableReply:       "recovery-available-reply",
	RecoveryTransferRequest:      "recovery-transfer-request",
	RecoveryTransferReply:        "recovery-transfer-reply",
	RecoveryTransferStatus:       "recovery-transfer-status",
}

var namesByString = func() map[string]Name {
	m := make(map[string]Name, len(nameStrings))
	for n, s := range nameStrings {
		m[s] = n
	}
	return m
}()

func (n Name) String() string {
	if s, ok := nameStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(n))
}

// ParseName converts a wire message name into a Name.
func ParseName(s string) (Name, error) {
	if n, ok := namesByString[s]; ok {
		return n, nil
	}
	return NameUnknown, &UnknownNameError{Name: s}
}

// AllNames lists every known message name.
func AllNames() []Name {
	out := make([]Name, 0, len(nameStrings))
	for n := ReplicationInitQuery; n <= RecoveryTransferStatus; n++ {
		out = append(out, n)
	}
	return out
}

// Scope is a logical delivery channel.
type Scope int

const (
	// Broadcast messages reach every federation member.
	Broadcast Scope = iota
	// Direct messages reach the single node named by the routing key.
	Direct
)

func (s Scope) String() string {
	switch s {
	case Broadcast:
		return "broadcast"
	case Direct:
		return "direct"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}
