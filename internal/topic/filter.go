package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	levelSeparator = "/"
	singleLevel    = "+"
	multiLevel     = "#"

	// maxTopicLength is the MQTT UTF-8 string limit.
	maxTopicLength = 65535
)

// ValidateFilter checks a subscription filter.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		if strings.Contains(level, multiLevel) {
			if level != multiLevel {
				return fmt.Errorf("%w: %q: '#' must occupy a whole level", ErrInvalidFilter, filter)
			}
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q: '#' must be the last level", ErrInvalidFilter, filter)
			}
		}
		if strings.Contains(level, singleLevel) && level != singleLevel {
			return fmt.Errorf("%w: %q: '+' must occupy a whole level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// ValidateTopic checks a concrete publish topic.
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if strings.ContainsAny(topic, singleLevel+multiLevel) {
		return fmt.Errorf("%w: %q: wildcards are not allowed in a publish topic", ErrInvalidTopic, topic)
	}
	return nil
}

func validateCommon(s string) error {
	switch {
	case s == "":
		return errors.New("empty")
	case len(s) > maxTopicLength:
		return fmt.Errorf("length %d exceeds %d bytes", len(s), maxTopicLength)
	case strings.ContainsRune(s, 0):
		return errors.New("contains NUL")
	}
	return nil
}

// IsWildcard reports whether filter contains '+' or '#'.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, singleLevel+multiLevel)
}

// Match reports whether topic matches filter. Both are assumed valid.
//
//	Match("a/+/c", "a/b/c")   // true
//	Match("a/+/c", "a/b/b/c") // false
//	Match("a/#", "a")         // true
//	Match("#", "$SYS/uptime") // false
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}
	return matchLevels(strings.Split(filter, levelSeparator), strings.Split(topic, levelSeparator))
}

func matchLevels(filter, topic []string) bool {
	for i, level := range filter {
		if level == multiLevel {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if level != singleLevel && level != topic[i] {
			return false
		}
	}
	return len(filter) == len(topic)
}

// FirstLevel returns the topic up to the first separator.
//
// Example: FirstLevel("esp8266/led/status") == "esp8266"
func FirstLevel(topic string) string {
	if i := strings.Index(topic, levelSeparator); i >= 0 {
		return topic[:i]
	}
	return topic
}
