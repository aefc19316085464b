package actions

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownType      = errors.New("unknown action type")
	ErrMalformedPayload = errors.New("malformed action payload")
)

type DecoderFunc func(data []byte) (Action, error)

// JSONDecoder returns a decoder that unmarshals into a new T.
func JSONDecoder[T any, P interface {
	*T
	Action
}]() DecoderFunc {
	return func(data []byte) (Action, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return P(&v), nil
	}
}

// Codec turns actions into base64 encoded, type tagged json and back.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]DecoderFunc
}

// NewCodec returns a codec that knows all built in action types.
func NewCodec() *Codec {
	c := &Codec{decoders: map[string]DecoderFunc{}}

	c.Register(TypeAlarm, JSONDecoder[AlarmAction]())
	c.Register(TypeSendMail, JSONDecoder[SendMailAction]())
	c.Register(TypeAlarmSendMail, JSONDecoder[AlarmSendMailAction]())
	c.Register(TypeAddTag, JSONDecoder[AddTagAction]())
	c.Register(TypeAddCategory, JSONDecoder[AddCategoryAction]())
	c.Register(TypeComputeField, JSONDecoder[ComputeFieldAction]())
	c.Register(TypeValidate, JSONDecoder[ValidatePacketAction]())
	c.Register(TypeSendCommand, JSONDecoder[SendCommandAction]())

	return c
}

func (c *Codec) Register(actionType string, decoder DecoderFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decoders[actionType] = decoder
}

func (c *Codec) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tags := make([]string, 0, len(c.decoders))
	for t := range c.decoders {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	return tags
}

func (c *Codec) Encode(a Action) (string, error) {
	if a == nil {
		return "", fmt.Errorf("%w: nil action", ErrMalformedPayload)
	}

	a.Common().ActionName = a.Type()

	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", a.Type(), err)
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

func (c *Codec) Decode(payload string) (Action, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}

	return c.DecodeJSON(b)
}

// DecodeJSON decodes an action that is not base64 encoded, as received in api requests.
func (c *Codec) DecodeJSON(b []byte) (Action, error) {
	tag := struct {
		ActionName string `json:"actionName"`
	}{}

	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}

	c.mu.RLock()
	decoder, ok := c.decoders[tag.ActionName]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag.ActionName)
	}

	a, err := decoder(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}

	return a, nil
}
