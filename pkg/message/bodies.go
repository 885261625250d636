package message

import (
	"dpn/pkg/types"
)

// Body is a typed message body.
type Body interface {
	MessageName() Name
}

// verdictBody bodies carry a message_att that the validator turns into a
// Verdict, reporting cross-field violations.
type verdictBody interface {
	Body
	resolveVerdict() []FieldError
}

var bodyFactories = map[Name]func() Body{
	ReplicationInitQuery:         func() Body { return &ReplicationInitQueryBody{} },
	ReplicationAvailableReply:    func() Body { return &AvailableReplyBody{name: ReplicationAvailableReply} },
	ReplicationLocationReply:     func() Body { return &LocationReplyBody{} },
	ReplicationLocationCancel:    func() Body { return &LocationCancelBody{} },
	ReplicationTransferReply:     func() Body { return &TransferReplyBody{} },
	ReplicationVerifyReply:       func() Body { return &VerifyReplyBody{} },
	RegistryItemCreate:           func() Body { return &RegistryItemCreateBody{} },
	RegistryEntryCreated:         func() Body { return &EntryCreatedBody{} },
	RegistryDaterangeSyncRequest: func() Body { return &DaterangeSyncRequestBody{} },
	RegistryListDaterangeReply:   func() Body { return &DaterangeReplyBody{} },
	RecoveryInitQuery:            func() Body { return &RecoveryInitQueryBody{} },
	RecoveryAvailableReply:       func() Body { return &AvailableReplyBody{name: RecoveryAvailableReply} },
	RecoveryTransferRequest:      func() Body { return &RecoveryTransferRequestBody{} },
	RecoveryTransferReply:        func() Body { return &RecoveryTransferReplyBody{} },
	RecoveryTransferStatus:       func() Body { return &TransferStatusBody{} },
}

type ReplicationInitQueryBody struct {
	ReplicationSize int64    `json:"replication_size" validate:"gt=0"`
	Protocol        []string `json:"protocol" validate:"required,min=1,dive,oneof=https rsync"`
	DPNObjectID     string   `json:"dpn_object_id" validate:"required"`
}

func (*ReplicationInitQueryBody) MessageName() Name { return ReplicationInitQuery }

// AvailableReplyBody answers either init query.
type AvailableReplyBody struct {
	name         Name
	MessageAtt   string  `json:"message_att" validate:"required,oneof=ack nak"`
	Protocol     string  `json:"protocol,omitempty" validate:"omitempty,oneof=https rsync"`
	MessageError string  `json:"message_error,omitempty"`
	Verdict      Verdict `json:"-"`
}

func (b *AvailableReplyBody) MessageName() Name { return b.name }

func (b *AvailableReplyBody) resolveVerdict() []FieldError {
	switch b.MessageAtt {
	case "ack":
		if b.Protocol == "" {
			return []FieldError{{Field: "protocol", Rule: "required_if_ack"}}
		}
		b.Verdict = Ack{Protocol: types.Protocol(b.Protocol)}
	case "nak":
		if b.Protocol != "" {
			return []FieldError{{Field: "protocol", Rule: "excluded_if_nak", Value: b.Protocol}}
		}
		b.Verdict = Nak{Error: b.MessageError}
	}
	return nil
}

// NewAvailableReply builds a replication or recovery available reply.
func NewAvailableReply(name Name, v Verdict) *AvailableReplyBody {
	b := &AvailableReplyBody{name: name, MessageAtt: Att(v), Verdict: v}
	switch v := v.(type) {
	case Ack:
		b.Protocol = string(v.Protocol)
	case Nak:
		b.MessageError = v.Error
	}
	return b
}

type LocationReplyBody struct {
	Protocol string `json:"protocol" validate:"required,oneof=https rsync"`
	Location string `json:"location" validate:"required"`
}

func (*LocationReplyBody) MessageName() Name { return ReplicationLocationReply }

type LocationCancelBody struct {
	MessageAtt string `json:"message_att" validate:"required,eq=nak"`
}

func (*LocationCancelBody) MessageName() Name { return ReplicationLocationCancel }

func NewLocationCancel() *LocationCancelBody {
	return &LocationCancelBody{MessageAtt: "nak"}
}

type TransferReplyBody struct {
	MessageAtt      string  `json:"message_att" validate:"required,oneof=ack nak"`
	FixityAlgorithm string  `json:"fixity_algorithm,omitempty"`
	FixityValue     string  `json:"fixity_value,omitempty" validate:"omitempty,hexadecimal"`
	MessageError    string  `json:"message_error,omitempty"`
	Verdict         Verdict `json:"-"`
}

func (*TransferReplyBody) MessageName() Name { return ReplicationTransferReply }

func (b *TransferReplyBody) resolveVerdict() []FieldError {
	var errs []FieldError
	switch b.MessageAtt {
	case "ack":
		if b.FixityAlgorithm == "" {
			errs = append(errs, FieldError{Field: "fixity_algorithm", Rule: "required_if_ack"})
		}
		if b.FixityValue == "" {
			errs = append(errs, FieldError{Field: "fixity_value", Rule: "required_if_ack"})
		}
		if b.MessageError != "" {
			errs = append(errs, FieldError{Field: "message_error", Rule: "excluded_if_ack", Value: b.MessageError})
		}
		b.Verdict = Ack{FixityAlgorithm: b.FixityAlgorithm, FixityValue: b.FixityValue}
	case "nak":
		if b.MessageError == "" {
			errs = append(errs, FieldError{Field: "message_error", Rule: "required_if_nak"})
		}
		if b.FixityAlgorithm != "" || b.FixityValue != "" {
			errs = append(errs, FieldError{Field: "fixity_value", Rule: "excluded_if_nak", Value: b.FixityValue})
		}
		b.Verdict = Nak{Error: b.MessageError}
	}
	return errs
}

func NewTransferReply(v Verdict) *TransferReplyBody {
	b := &TransferReplyBody{MessageAtt: Att(v), Verdict: v}
	switch v := v.(type) {
	case Ack:
		b.FixityAlgorithm = v.FixityAlgorithm
		b.FixityValue = v.FixityValue
	case Nak:
		b.MessageError = v.Error
	}
	return b
}

type VerifyReplyBody struct {
	MessageAtt string  `json:"message_att" validate:"required,oneof=ack nak retry"`
	Verdict    Verdict `json:"-"`
}

func (*VerifyReplyBody) MessageName() Name { return ReplicationVerifyReply }

func (b *VerifyReplyBody) resolveVerdict() []FieldError {
	switch b.MessageAtt {
	case "ack":
		b.Verdict = Ack{}
	case "nak":
		b.Verdict = Nak{}
	case "retry":
		b.Verdict = Retry{}
	}
	return nil
}

func NewVerifyReply(v Verdict) *VerifyReplyBody {
	return &VerifyReplyBody{MessageAtt: Att(v), Verdict: v}
}

// RegistryItem is the wire projection of a registry entry.
type RegistryItem struct {
	DPNObjectID        string   `json:"dpn_object_id" validate:"required"`
	FirstNodeName      string   `json:"first_node_name" validate:"required"`
	VersionNumber      int      `json:"version_number" validate:"gte=1"`
	FixityAlgorithm    string   `json:"fixity_algorithm" validate:"required"`
	FixityValue        string   `json:"fixity_value" validate:"required,hexadecimal"`
	LastFixityDate     string   `json:"last_fixity_date" validate:"required,dpndate"`
	CreationDate       string   `json:"creation_date" validate:"required,dpndate"`
	LastModifiedDate   string   `json:"last_modified_date" validate:"required,dpndate"`
	BagSize            int64    `json:"bag_size" validate:"gt=0"`
	ObjectType         string   `json:"object_type" validate:"required,oneof=data rights brightening interpretive"`
	ReplicatingNodes   []string `json:"replicating_node_names"`
	PreviousVersion    string   `json:"previous_version,omitempty"`
	ForwardVersion     string   `json:"forward_version,omitempty"`
	FirstVersion       string   `json:"first_version" validate:"required"`
	BrighteningObjects []string `json:"brightening_objects,omitempty"`
	RightsObjects      []string `json:"rights_objects,omitempty"`
}

type RegistryItemCreateBody struct {
	RegistryItem
}

func (*RegistryItemCreateBody) MessageName() Name { return RegistryItemCreate }

type EntryCreatedBody struct {
	MessageAtt   string  `json:"message_att" validate:"required,oneof=ack nak"`
	MessageError string  `json:"message_error,omitempty"`
	Verdict      Verdict `json:"-"`
}

func (*EntryCreatedBody) MessageName() Name { return RegistryEntryCreated }

func (b *EntryCreatedBody) resolveVerdict() []FieldError {
	switch b.MessageAtt {
	case "ack":
		b.Verdict = Ack{}
	case "nak":
		if b.MessageError == "" {
			return []FieldError{{Field: "message_error", Rule: "required_if_nak"}}
		}
		b.Verdict = Nak{Error: b.MessageError}
	}
	return nil
}

func NewEntryCreated(v Verdict) *EntryCreatedBody {
	b := &EntryCreatedBody{MessageAtt: Att(v), Verdict: v}
	if nak, ok := v.(Nak); ok {
		b.MessageError = nak.Error
	}
	return b
}

type DaterangeSyncRequestBody struct {
	DateRange []string `json:"date_range" validate:"len=2,dive,dpndate"`
}

func (*DaterangeSyncRequestBody) MessageName() Name { return RegistryDaterangeSyncRequest }

type DaterangeReplyBody struct {
	DateRange   []string       `json:"date_range" validate:"len=2,dive,dpndate"`
	RegSyncList []RegistryItem `json:"reg_sync_list" validate:"dive"`
}

func (*DaterangeReplyBody) MessageName() Name { return RegistryListDaterangeReply }

type RecoveryInitQueryBody struct {
	Protocol    []string `json:"protocol" validate:"required,min=1,dive,oneof=https rsync"`
	DPNObjectID string   `json:"dpn_object_id" validate:"required"`
}

func (*RecoveryInitQueryBody) MessageName() Name { return RecoveryInitQuery }

type RecoveryTransferRequestBody struct {
	Protocol string `json:"protocol" validate:"required,oneof=https rsync"`
}

func (*RecoveryTransferRequestBody) MessageName() Name { return RecoveryTransferRequest }

// RecoveryTransferReplyBody tells the requester where to fetch the bag and
// what it should hash to.
type RecoveryTransferReplyBody struct {
	MessageAtt      string  `json:"message_att" validate:"required,oneof=ack nak"`
	Protocol        string  `json:"protocol,omitempty" validate:"omitempty,oneof=https rsync"`
	Location        string  `json:"location,omitempty"`
	FixityAlgorithm string  `json:"fixity_algorithm,omitempty"`
	FixityValue     string  `json:"fixity_value,omitempty" validate:"omitempty,hexadecimal"`
	MessageError    string  `json:"message_error,omitempty"`
	Verdict         Verdict `json:"-"`
}

func (*RecoveryTransferReplyBody) MessageName() Name { return RecoveryTransferReply }

func (b *RecoveryTransferReplyBody) resolveVerdict() []FieldError {
	var errs []FieldError
	switch b.MessageAtt {
	case "ack":
		for field, value := range map[string]string{
			"protocol":         b.Protocol,
			"location":         b.Location,
			"fixity_algorithm": b.FixityAlgorithm,
			"fixity_value":     b.FixityValue,
		} {
			if value == "" {
				errs = append(errs, FieldError{Field: field, Rule: "required_if_ack"})
			}
		}
		b.Verdict = Ack{Protocol: types.Protocol(b.Protocol), FixityAlgorithm: b.FixityAlgorithm, FixityValue: b.FixityValue}
	case "nak":
		if b.MessageError == "" {
			errs = append(errs, FieldError{Field: "message_error", Rule: "required_if_nak"})
		}
		if b.Location != "" {
			errs = append(errs, FieldError{Field: "location", Rule: "excluded_if_nak", Value: b.Location})
		}
		if b.FixityValue != "" {
			errs = append(errs, FieldError{Field: "fixity_value", Rule: "excluded_if_nak", Value: b.FixityValue})
		}
		b.Verdict = Nak{Error: b.MessageError}
	}
	sortFieldErrors(errs)
	return errs
}

func NewRecoveryTransferReply(v Verdict, location string) *RecoveryTransferReplyBody {
	b := &RecoveryTransferReplyBody{MessageAtt: Att(v), Verdict: v}
	switch v := v.(type) {
	case Ack:
		b.Protocol = string(v.Protocol)
		b.Location = location
		b.FixityAlgorithm = v.FixityAlgorithm
		b.FixityValue = v.FixityValue
	case Nak:
		b.MessageError = v.Error
	}
	return b
}

type TransferStatusBody struct {
	MessageAtt   string  `json:"message_att" validate:"required,oneof=ack nak"`
	MessageError string  `json:"message_error,omitempty"`
	Verdict      Verdict `json:"-"`
}

func (*TransferStatusBody) MessageName() Name { return RecoveryTransferStatus }

func (b *TransferStatusBody) resolveVerdict() []FieldError {
	switch b.MessageAtt {
	case "ack":
		b.Verdict = Ack{}
	case "nak":
		if b.MessageError == "" {
			return []FieldError{{Field: "message_error", Rule: "required_if_nak"}}
		}
		b.Verdict = Nak{Error: b.MessageError}
	}
	return nil
}

func NewTransferStatus(v Verdict) *TransferStatusBody {
	b := &TransferStatusBody{MessageAtt: Att(v), Verdict: v}
	if nak, ok := v.(Nak); ok {
		b.MessageError = nak.Error
	}
	return b
}
