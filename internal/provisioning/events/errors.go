package events

import (
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"
)

func isTopicExists(err error) bool {
	return errors.Is(err, kerr.TopicAlreadyExists)
}
