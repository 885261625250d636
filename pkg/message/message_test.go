package message

import (
	"encoding/json"
	"testing"
	"time"

	"dpn/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope() Envelope {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewEnvelope("aptrust", "aptrust", "corr-1", 0, now, time.Hour)
}

func TestParseName(t *testing.T) {
	for _, n := range AllNames() {
		parsed, err := ParseName(n.String())
		require.NoError(t, err)
		assert.Equal(t, n, parsed)
	}

	_, err := ParseName("replication-bogus")
	var unknown *UnknownNameError
	assert.ErrorAs(t, err, &unknown)
}

func TestValidateHeaders(t *testing.T) {
	v := NewValidator()

	env, err := v.ValidateHeaders(testEnvelope().Headers())
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("aptrust"), env.From)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), env.TTL)

	tests := []struct {
		name   string
		mutate func(*Headers)
		field  string
	}{
		{"missing from", func(h *Headers) { h.From = "" }, "from"},
		{"missing reply key", func(h *Headers) { h.ReplyKey = "" }, "reply_key"},
		{"missing correlation", func(h *Headers) { h.CorrelationID = "" }, "correlation_id"},
		{"negative sequence", func(h *Headers) { seq := -1; h.Sequence = &seq }, "sequence"},
		{"missing sequence", func(h *Headers) { h.Sequence = nil }, "sequence"},
		{"date with offset", func(h *Headers) { h.Date = "2026-03-01T12:00:00+02:00" }, "date"},
		{"garbage ttl", func(h *Headers) { h.TTL = "tomorrow" }, "ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testEnvelope().Headers()
			tt.mutate(&h)
			_, err := v.ValidateHeaders(h)
			var envErr *EnvelopeError
			require.ErrorAs(t, err, &envErr)
			require.Len(t, envErr.Fields, 1)
			assert.Equal(t, tt.field, envErr.Fields[0].Field)
		})
	}
}

func TestExpired(t *testing.T) {
	env := testEnvelope()
	assert.False(t, env.Expired(env.TTL))
	assert.True(t, env.Expired(env.TTL.Add(time.Second)))
}

func TestValidateBody_InitQuery(t *testing.T) {
	v := NewValidator()
	env := testEnvelope()

	body, err := v.ValidateBody(env, ReplicationInitQuery,
		json.RawMessage(`{"message_name":"replication-init-query","replication_size":4096,"protocol":["https","rsync"],"dpn_object_id":"obj-1"}`))
	require.NoError(t, err)
	q := body.(*ReplicationInitQueryBody)
	assert.Equal(t, int64(4096), q.ReplicationSize)
	assert.Equal(t, []string{"https", "rsync"}, q.Protocol)

	_, err = v.ValidateBody(env, ReplicationInitQuery,
		json.RawMessage(`{"replication_size":0,"protocol":["ftp"],"dpn_object_id":""}`))
	var bodyErr *BodyError
	require.ErrorAs(t, err, &bodyErr)
	assert.Equal(t, "corr-1", bodyErr.CorrelationID)
	fields := map[string]string{}
	for _, f := range bodyErr.Fields {
		fields[f.Field] = f.Rule
	}
	assert.Equal(t, "gt", fields["replication_size"])
	assert.Equal(t, "oneof", fields["protocol[0]"])
	assert.Equal(t, "required", fields["dpn_object_id"])
}

func TestValidateBody_Verdicts(t *testing.T) {
	v := NewValidator()
	env := testEnvelope()

	tests := []struct {
		name    string
		msg     Name
		raw     string
		verdict Verdict
		field   string
	}{
		{"available ack", ReplicationAvailableReply, `{"message_att":"ack","protocol":"https"}`, Ack{Protocol: types.ProtocolHTTPS}, ""},
		{"available nak", ReplicationAvailableReply, `{"message_att":"nak"}`, Nak{}, ""},
		{"available ack without protocol", ReplicationAvailableReply, `{"message_att":"ack"}`, nil, "protocol"},
		{"available nak with protocol", ReplicationAvailableReply, `{"message_att":"nak","protocol":"rsync"}`, nil, "protocol"},
		{"transfer ack", ReplicationTransferReply, `{"message_att":"ack","fixity_algorithm":"sha256","fixity_value":"ab12"}`, Ack{FixityAlgorithm: "sha256", FixityValue: "ab12"}, ""},
		{"transfer ack missing fixity", ReplicationTransferReply, `{"message_att":"ack","fixity_algorithm":"sha256"}`, nil, "fixity_value"},
		{"transfer nak", ReplicationTransferReply, `{"message_att":"nak","message_error":"disk full"}`, Nak{Error: "disk full"}, ""},
		{"transfer nak without error", ReplicationTransferReply, `{"message_att":"nak"}`, nil, "message_error"},
		{"verify retry", ReplicationVerifyReply, `{"message_att":"retry"}`, Retry{}, ""},
		{"verify bogus", ReplicationVerifyReply, `{"message_att":"maybe"}`, nil, "message_att"},
		{"cancel must nak", ReplicationLocationCancel, `{"message_att":"ack"}`, nil, "message_att"},
		{"recovery reply ack missing location", RecoveryTransferReply, `{"message_att":"ack","protocol":"https","fixity_algorithm":"sha256","fixity_value":"ab"}`, nil, "location"},
		{"recovery reply nak with location", RecoveryTransferReply, `{"message_att":"nak","message_error":"gone","location":"/bags/x"}`, nil, "location"},
		{"recovery reply nak with fixity", RecoveryTransferReply, `{"message_att":"nak","message_error":"gone","fixity_value":"ab"}`, nil, "fixity_value"},
		{"status nak", RecoveryTransferStatus, `{"message_att":"nak","message_error":"fixity mismatch"}`, Nak{Error: "fixity mismatch"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := v.ValidateBody(env, tt.msg, json.RawMessage(tt.raw))
			if tt.field != "" {
				var bodyErr *BodyError
				require.ErrorAs(t, err, &bodyErr)
				require.NotEmpty(t, bodyErr.Fields)
				assert.Equal(t, tt.field, bodyErr.Fields[0].Field)
				return
			}
			require.NoError(t, err)
			if tt.verdict == nil {
				return
			}
			switch b := body.(type) {
			case *AvailableReplyBody:
				assert.Equal(t, tt.verdict, b.Verdict)
			case *TransferReplyBody:
				assert.Equal(t, tt.verdict, b.Verdict)
			case *VerifyReplyBody:
				assert.Equal(t, tt.verdict, b.Verdict)
			case *TransferStatusBody:
				assert.Equal(t, tt.verdict, b.Verdict)
			default:
				t.Fatalf("unexpected body %T", body)
			}
		})
	}
}

func TestValidateBody_RegistryItem(t *testing.T) {
	v := NewValidator()
	item := RegistryItem{
		DPNObjectID:      "obj-1",
		FirstNodeName:    "aptrust",
		VersionNumber:    1,
		FixityAlgorithm:  "sha256",
		FixityValue:      "916f0027a575074ce72a331777c3478d6513f786a591bd892da1a577bf2335f9",
		LastFixityDate:   "2026-03-01T12:00:00Z",
		CreationDate:     "2026-03-01T12:00:00Z",
		LastModifiedDate: "2026-03-01T12:00:00Z",
		BagSize:          4096,
		ObjectType:       "data",
		ReplicatingNodes: []string{"chron"},
		FirstVersion:     "obj-1",
	}
	msg, err := New(testEnvelope(), &RegistryItemCreateBody{RegistryItem: item})
	require.NoError(t, err)

	name, _, body, err := v.Validate(msg)
	require.NoError(t, err)
	assert.Equal(t, RegistryItemCreate, name)
	assert.Equal(t, item, body.(*RegistryItemCreateBody).RegistryItem)

	item.LastModifiedDate = "yesterday"
	reply := &DaterangeReplyBody{
		DateRange:   []string{"2026-01-01T00:00:00Z", "2026-03-01T00:00:00Z"},
		RegSyncList: []RegistryItem{item},
	}
	msg, err = New(testEnvelope(), reply)
	require.NoError(t, err)
	_, _, _, err = v.Validate(msg)
	var bodyErr *BodyError
	require.ErrorAs(t, err, &bodyErr)
	assert.Equal(t, "reg_sync_list[0].last_modified_date", bodyErr.Fields[0].Field)
}

func TestNewCarriesMessageName(t *testing.T) {
	msg, err := New(testEnvelope(), NewAvailableReply(RecoveryAvailableReply, Ack{Protocol: types.ProtocolRsync}))
	require.NoError(t, err)

	name, err := msg.Name()
	require.NoError(t, err)
	assert.Equal(t, RecoveryAvailableReply, name)

	data, err := Marshal(msg)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	_, _, body, err := NewValidator().Validate(decoded)
	require.NoError(t, err)
	assert.Equal(t, Ack{Protocol: types.ProtocolRsync}, body.(*AvailableReplyBody).Verdict)
}

func TestDeliverySettlesOnce(t *testing.T) {
	var got []Disposition
	d := NewDelivery(Direct, &Message{}, func(disp Disposition) { got = append(got, disp) })
	d.Settle(Requeue)
	d.Settle(Acknowledge)
	assert.Equal(t, []Disposition{Requeue}, got)
}

func TestIsPermanent(t *testing.T) {
	base := assert.AnError
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)
	assert.Nil(t, Permanent(nil))
}
