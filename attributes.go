package mqjob

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Attributes is a loosely typed set of job fields, as supplied by callers or
// read from a message body.
type Attributes map[string]any

const (
	keyHandler       = "handler"
	keyPayloadObject = "payload_object"
	keyPriority      = "priority"
	keyAttempts      = "attempts"
	keyRunAt         = "run_at"
	keyLockedAt      = "locked_at"
	keyLockedBy      = "locked_by"
	keyFailedAt      = "failed_at"
	keyLastError     = "last_error"
	keyQueue         = "queue"
	keyDelay         = "delay"
	keyTimeout       = "timeout"
	keyExpiresIn     = "expires_in"
)

var durationType = reflect.TypeOf(time.Duration(0))

// fields mirrors the known schema. Pointers distinguish absent keys from zero values.
type fields struct {
	Priority  int            `mapstructure:"priority"`
	Attempts  int            `mapstructure:"attempts"`
	RunAt     time.Time      `mapstructure:"run_at"`
	LockedAt  time.Time      `mapstructure:"locked_at"`
	LockedBy  string         `mapstructure:"locked_by"`
	FailedAt  time.Time      `mapstructure:"failed_at"`
	LastError string         `mapstructure:"last_error"`
	Queue     string         `mapstructure:"queue"`
	Delay     *time.Duration `mapstructure:"delay"`
	Timeout   *time.Duration `mapstructure:"timeout"`
	ExpiresIn *time.Duration `mapstructure:"expires_in"`
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("-", "_", " ", "_").Replace(key)
}

func normalizeAttributes(attrs Attributes) Attributes {
	out := make(Attributes, len(attrs))
	for k, v := range attrs {
		out[normalizeKey(k)] = v
	}
	return out
}

// decodeFields fills the known schema from data and returns the keys it did not recognize.
func decodeFields(data Attributes) (fields, map[string]any, error) {
	result := fields{}
	md := mapstructure.Metadata{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           &result,
	})
	if err != nil {
		return fields{}, nil, errors.WithMessage(err, "new attributes decoder")
	}

	err = decoder.Decode(map[string]any(data))
	if err != nil {
		return fields{}, nil, errors.WithMessage(err, "decode attributes")
	}

	var extra map[string]any
	for _, key := range md.Unused {
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[key] = data[key]
	}
	return result, extra, nil
}

// secondsToDurationHook reads numeric durations as seconds, the unit used on the wire.
func secondsToDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case float32:
		return time.Duration(float64(v) * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	return data, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
