package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/cache"
)

type RedisCanvasCache struct {
	client redis.UniversalClient
}

func NewRedisCanvasCache(ctx context.Context, devMode bool, redisEndpoint string) (*RedisCanvasCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// Managed redis endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCanvasCache{client: client}, nil
}

func (redisCache *RedisCanvasCache) Publish(ctx context.Context, channel string, message []byte) error {
	return redisCache.client.Publish(ctx, channel, message).Err()
}

func (redisCache *RedisCanvasCache) Subscribe(ctx context.Context, channel string, handler func(message []byte), onDrop func(err error)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established before reporting success
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Warn().Err(err).Str("channel", channel).Msg("pubsub subscribe failed")
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					// Subscribers must not wait on a dead channel
					log.Warn().Str("channel", channel).Msg("pubsub channel closed")
					if onDrop != nil {
						onDrop(errors.New("pubsub channel closed"))
					}
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Keys use hash tags so that all keys of one round hash to the same
// cluster slot.
func buildRoundKey(round int64) string {
	return "round:{" + strconv.FormatInt(round, 10) + "}"
}

func buildRoundDataKey(round int64) string {
	return "round:{" + strconv.FormatInt(round, 10) + "}:data"
}

func buildRoundCompleteKey(round int64) string {
	return "round:{" + strconv.FormatInt(round, 10) + "}:complete"
}

const cacheTTL = 10 * time.Minute

// Split index/data pattern: a ZSet of cell keys scored by placement
// time keeps chronological order and O(1) removal, a Hash maps cell key
// to the pixel JSON for O(1) retrieval after the ZSet read. Storing the
// blob in the ZSet would make removal by cell key impossible without
// knowing the blob.
func (redisCache *RedisCanvasCache) AddPixel(ctx context.Context, round int64, cellKey string, score int64, pixelData []byte) error {
	key := buildRoundKey(round)
	dataKey := buildRoundDataKey(round)
	completeKey := buildRoundCompleteKey(round)

	pipe := redisCache.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: cellKey})
	pipe.HSet(ctx, dataKey, cellKey, pixelData)
	pipe.Expire(ctx, completeKey, cacheTTL)
	pipe.Expire(ctx, key, cacheTTL)
	pipe.Expire(ctx, dataKey, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisCanvasCache) AddPixelsBatch(ctx context.Context, round int64, pixels []cache.PixelCacheItem) error {
	if len(pixels) == 0 {
		return nil
	}

	key := buildRoundKey(round)
	dataKey := buildRoundDataKey(round)
	completeKey := buildRoundCompleteKey(round)

	zMembers := make([]redis.Z, len(pixels))
	hValues := make([]interface{}, len(pixels)*2)

	for i, p := range pixels {
		zMembers[i] = redis.Z{
			Score:  float64(p.Score),
			Member: p.CellKey,
		}
		hValues[i*2] = p.CellKey
		hValues[i*2+1] = p.Data
	}

	pipe := redisCache.client.Pipeline()
	pipe.ZAdd(ctx, key, zMembers...)
	pipe.HSet(ctx, dataKey, hValues...)
	pipe.Expire(ctx, completeKey, cacheTTL)
	pipe.Expire(ctx, key, cacheTTL)
	pipe.Expire(ctx, dataKey, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisCanvasCache) RemovePixel(ctx context.Context, round int64, cellKey string) error {
	key := buildRoundKey(round)
	dataKey := buildRoundDataKey(round)

	pipe := redisCache.client.Pipeline()
	pipe.ZRem(ctx, key, cellKey)
	pipe.HDel(ctx, dataKey, cellKey)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisCanvasCache) GetPixels(ctx context.Context, round int64) ([][]byte, error) {
	key := buildRoundKey(round)
	dataKey := buildRoundDataKey(round)
	completeKey := buildRoundCompleteKey(round)

	// Cell keys in placement order from the ZSet
	cellKeys, err := redisCache.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(cellKeys) == 0 {
		return [][]byte{}, nil
	}

	dataMap, err := redisCache.client.HMGet(ctx, dataKey, cellKeys...).Result()
	if err != nil {
		return nil, err
	}

	pixels := make([][]byte, 0, len(cellKeys))
	for _, item := range dataMap {
		if item == nil {
			continue
		}
		if s, ok := item.(string); ok {
			pixels = append(pixels, []byte(s))
		}
	}

	// Refresh TTL
	pipe := redisCache.client.Pipeline()
	pipe.Expire(ctx, completeKey, cacheTTL)
	pipe.Expire(ctx, key, cacheTTL)
	pipe.Expire(ctx, dataKey, cacheTTL)
	_, _ = pipe.Exec(ctx)

	return pixels, nil
}

func (redisCache *RedisCanvasCache) SetCanvasComplete(ctx context.Context, round int64) error {
	return redisCache.client.Set(ctx, buildRoundCompleteKey(round), "true", cacheTTL).Err()
}

func (redisCache *RedisCanvasCache) IsCanvasComplete(ctx context.Context, round int64) (bool, error) {
	val, err := redisCache.client.Exists(ctx, buildRoundCompleteKey(round)).Result()
	if err != nil {
		return false, err
	}
	return val > 0, nil
}

func (redisCache *RedisCanvasCache) InvalidateRound(ctx context.Context, round int64) error {
	// All three keys share the round hash tag, same cluster slot
	return redisCache.client.Del(ctx,
		buildRoundKey(round),
		buildRoundDataKey(round),
		buildRoundCompleteKey(round),
	).Err()
}

func (redisCache *RedisCanvasCache) ReserveChatSlot(ctx context.Context, networkAddress string, gapMs int64) (bool, error) {
	key := "chat:slot:" + networkAddress
	return redisCache.client.SetNX(ctx, key, "1", time.Duration(gapMs)*time.Millisecond).Result()
}

const chatListKey = "chat:recent"
const chatListMax = 200

func (redisCache *RedisCanvasCache) AddChat(ctx context.Context, chatData []byte) error {
	pipe := redisCache.client.Pipeline()
	pipe.LPush(ctx, chatListKey, chatData)
	pipe.LTrim(ctx, chatListKey, 0, chatListMax-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisCanvasCache) GetRecentChat(ctx context.Context, limit int) ([][]byte, error) {
	if limit <= 0 || limit > chatListMax {
		limit = chatListMax
	}
	values, err := redisCache.client.LRange(ctx, chatListKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	// LPush stores newest first, reverse to chronological order
	messages := make([][]byte, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		messages = append(messages, []byte(values[i]))
	}
	return messages, nil
}
