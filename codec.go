package mqjob

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Codec turns payload values into handler text and back.
//
// Handler text is YAML. Values of a registered type are written with a local tag
// naming the type (e.g. "!send_email"), so a worker in another process can rebuild
// the same value as long as it registered the same name.
type Codec struct {
	lock  sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

func NewCodec() *Codec {
	return &Codec{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register binds name to the type of prototype. Decoding a handler tagged with name
// yields a pointer if prototype is a pointer, otherwise a value.
func (c *Codec) Register(name string, prototype any) *Codec {
	c.lock.Lock()
	defer c.lock.Unlock()

	t := reflect.TypeOf(prototype)
	c.types[name] = t
	c.names[t] = name
	if t.Kind() == reflect.Pointer {
		c.names[t.Elem()] = name
	} else {
		c.names[reflect.PointerTo(t)] = name
	}
	return c
}

// Name returns the registered name of v's type.
func (c *Codec) Name(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	c.lock.RLock()
	defer c.lock.RUnlock()
	name, ok := c.names[reflect.TypeOf(v)]
	return name, ok
}

func (c *Codec) Encode(v any) (string, error) {
	node := &yaml.Node{}
	err := node.Encode(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if name, ok := c.Name(v); ok {
		node.Tag = "!" + name
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func (c *Codec) Decode(handler string) (any, error) {
	if strings.TrimSpace(handler) == "" {
		return nil, &DeserializationError{Handler: handler, Err: ErrEmptyHandler}
	}

	doc := yaml.Node{}
	err := yaml.Unmarshal([]byte(handler), &doc)
	if err != nil {
		return nil, &DeserializationError{Handler: handler, Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &DeserializationError{Handler: handler, Err: ErrEmptyHandler}
	}
	root := *doc.Content[0]

	if !isLocalTag(root.Tag) {
		var v any
		err = root.Decode(&v)
		if err != nil {
			return nil, &DeserializationError{Handler: handler, Err: err}
		}
		return v, nil
	}

	name := strings.TrimPrefix(root.Tag, "!")
	c.lock.RLock()
	t, ok := c.types[name]
	c.lock.RUnlock()
	if !ok {
		return nil, &DeserializationError{
			Handler: handler,
			Err:     fmt.Errorf("%w: %s", ErrUnknownPayloadType, name),
		}
	}

	root.Tag = ""
	if t.Kind() == reflect.Pointer {
		ptr := reflect.New(t.Elem())
		err = root.Decode(ptr.Interface())
		if err != nil {
			return nil, &DeserializationError{Handler: handler, Err: err}
		}
		return ptr.Interface(), nil
	}
	ptr := reflect.New(t)
	err = root.Decode(ptr.Interface())
	if err != nil {
		return nil, &DeserializationError{Handler: handler, Err: err}
	}
	return ptr.Elem().Interface(), nil
}

func isLocalTag(tag string) bool {
	return strings.HasPrefix(tag, "!") && !strings.HasPrefix(tag, "!!")
}
