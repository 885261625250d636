package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"dpn/pkg/types"

	"github.com/go-playground/validator/v10"
)

// Validator checks headers and bodies against their schemas. It keeps no
// state between calls and is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("dpndate", func(fl validator.FieldLevel) bool {
		_, err := ParseTime(fl.Field().String())
		return err == nil
	})
	return &Validator{validate: v}
}

// ValidateHeaders checks the wire headers and returns the typed envelope.
func (v *Validator) ValidateHeaders(h Headers) (Envelope, error) {
	if err := v.validate.Struct(h); err != nil {
		return Envelope{}, &EnvelopeError{
			CorrelationID: h.CorrelationID,
			From:          h.From,
			Fields:        fieldErrors(err),
		}
	}

	date, _ := ParseTime(h.Date)
	ttl, _ := ParseTime(h.TTL)
	return Envelope{
		From:          types.NodeID(h.From),
		ReplyKey:      h.ReplyKey,
		CorrelationID: types.CorrelationID(h.CorrelationID),
		Sequence:      *h.Sequence,
		Date:          date,
		TTL:           ttl,
	}, nil
}

// ValidateBody decodes raw into the body type for name and validates it.
// env supplies the context attached to any returned error.
func (v *Validator) ValidateBody(env Envelope, name Name, raw json.RawMessage) (Body, error) {
	newBody, ok := bodyFactories[name]
	if !ok {
		return nil, &UnknownNameError{Name: name.String()}
	}

	bodyErr := func(fields []FieldError, err error) *BodyError {
		return &BodyError{
			Name:          name,
			CorrelationID: string(env.CorrelationID),
			From:          string(env.From),
			Fields:        fields,
			Err:           err,
		}
	}

	body := newBody()
	if err := json.Unmarshal(raw, body); err != nil {
		return nil, bodyErr(nil, fmt.Errorf("failed to decode body: %w", err))
	}
	if err := v.validate.Struct(body); err != nil {
		return nil, bodyErr(fieldErrors(err), nil)
	}
	if vb, ok := body.(verdictBody); ok {
		if fields := vb.resolveVerdict(); len(fields) > 0 {
			return nil, bodyErr(fields, nil)
		}
	}
	return body, nil
}

// Validate runs both stages over a message.
func (v *Validator) Validate(m *Message) (Name, Envelope, Body, error) {
	env, err := v.ValidateHeaders(m.Headers)
	if err != nil {
		return NameUnknown, Envelope{}, nil, err
	}
	name, err := m.Name()
	if err != nil {
		return NameUnknown, env, nil, err
	}
	body, err := v.ValidateBody(env, name, m.Body)
	return name, env, body, err
}

func fieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "", Rule: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		// Embedded structs contribute their type name to the namespace.
		field = strings.TrimPrefix(field, "RegistryItem.")
		out = append(out, FieldError{
			Field: field,
			Rule:  fe.Tag(),
			Value: fmt.Sprint(fe.Value()),
		})
	}
	return out
}
