package events

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

// NewRedisStreamPublisher returns a watermill publisher writing to redis streams
func NewRedisStreamPublisher(client redis.UniversalClient, logger *slog.Logger) (message.Publisher, error) {
	return redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, watermill.NewSlogLogger(logger))
}
