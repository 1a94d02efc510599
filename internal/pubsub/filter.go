package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChangeFilter suppresses publications whose payload equals the last one sent on a topic.
type ChangeFilter struct {
	publisher domain.MessagePublisher
	prefix    string
	cache     map[string]string
	mutex     sync.Mutex
	logger    zerolog.Logger
}

// NewChangeFilter creates a filter publishing below prefix, which is normalized to end in "/".
func NewChangeFilter(publisher domain.MessagePublisher, prefix string) *ChangeFilter {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ChangeFilter{
		publisher: publisher,
		prefix:    prefix,
		cache:     make(map[string]string),
		logger:    log.With().Str("component", "change-filter").Logger(),
	}
}

// Prefix returns the normalized topic prefix.
func (f *ChangeFilter) Prefix() string {
	return f.prefix
}

// Publish sends value on <prefix><topic>/<field> when it differs from the last value sent
// there, or unconditionally when always is set. The cache only advances on success.
func (f *ChangeFilter) Publish(ctx context.Context, topic, field string, value interface{}, always bool) (bool, error) {
	fullTopic := f.prefix + topic + "/" + field
	payload := FormatValue(value)

	f.mutex.Lock()
	last, seen := f.cache[fullTopic]
	f.mutex.Unlock()

	if !always && seen && last == payload {
		return false, nil
	}

	if err := f.publisher.Publish(ctx, fullTopic, payload); err != nil {
		return false, fmt.Errorf("%w: %s: %v", domain.ErrPublish, fullTopic, err)
	}

	f.mutex.Lock()
	f.cache[fullTopic] = payload
	f.mutex.Unlock()

	f.logger.Debug().Str("topic", fullTopic).Str("payload", payload).Msg("Published")
	return true, nil
}

// Last returns the last payload sent for topic and field.
func (f *ChangeFilter) Last(topic, field string) (string, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	v, ok := f.cache[f.prefix+topic+"/"+field]
	return v, ok
}

// Reset forgets every cached payload so the next cycle republishes everything.
func (f *ChangeFilter) Reset() {
	f.mutex.Lock()
	f.cache = make(map[string]string)
	f.mutex.Unlock()
	f.logger.Debug().Msg("Change cache cleared")
}

// FormatValue renders a payload as text: integers in decimal, floats in their shortest
// form and strings as they are.
func FormatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
