package message

import "dpn/pkg/types"

// Verdict is the outcome carried by reply messages: Ack, Nak or Retry.
type Verdict interface {
	att() string
}

type Ack struct {
	Protocol        types.Protocol
	FixityAlgorithm string
	FixityValue     string
}

type Nak struct {
	Error string
}

// Retry asks the receiver to transfer again.
type Retry struct{}

func (Ack) att() string   { return "ack" }
func (Nak) att() string   { return "nak" }
func (Retry) att() string { return "retry" }

// Att returns the message_att token for v.
func Att(v Verdict) string {
	if v == nil {
		return ""
	}
	return v.att()
}
