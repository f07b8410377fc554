package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/xiaot623/huddle/internal/domain"
)

// Redis is a venue shared by several coordinator processes.
//
// Keys, for venue v:
//
//	venue:v:lock       SETNX mutex around check-then-commit
//	venue:v:key:<k>    reservation stored under idempotency key k
//	venue:v:slots      sorted set of reservations scored by start millis
type Redis struct {
	id      string
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedis creates a venue stored in client.
func NewRedis(id string, client *redis.Client) *Redis {
	return &Redis{id: id, client: client, lockTTL: 10 * time.Second}
}

func (v *Redis) ID() string { return v.id }

func (v *Redis) lockKey() string             { return "venue:" + v.id + ":lock" }
func (v *Redis) recordKey(key string) string { return "venue:" + v.id + ":key:" + key }
func (v *Redis) slotsKey() string            { return "venue:" + v.id + ":slots" }

func (v *Redis) Reserve(ctx context.Context, req domain.BookingRequest) (domain.ReserveStatus, string, error) {
	unlock, err := v.lock(ctx)
	if err != nil {
		return domain.ReserveFailed, "", err
	}
	defer unlock()

	existing, err := v.client.Get(ctx, v.recordKey(req.IdempotencyKey)).Result()
	switch {
	case err == nil:
		var r domain.Reservation
		if err := json.Unmarshal([]byte(existing), &r); err != nil {
			return domain.ReserveFailed, "", fmt.Errorf("failed to decode reservation: %w", err)
		}
		return domain.ReserveConfirmed, r.ReservationID, nil
	case !errors.Is(err, redis.Nil):
		return domain.ReserveFailed, "", fmt.Errorf("failed to read reservation: %w", err)
	}

	overlapping, err := v.scan(ctx, req.Slot)
	if err != nil {
		return domain.ReserveFailed, "", err
	}
	if len(overlapping) > 0 {
		return domain.ReserveConflict, "", nil
	}

	r := domain.Reservation{
		ReservationID:  newReservationID(),
		VenueID:        v.id,
		Slot:           req.Slot,
		IdempotencyKey: req.IdempotencyKey,
		Name:           req.Name,
		CreatedAt:      time.Now(),
	}
	data, err := json.Marshal(r)
	if err != nil {
		return domain.ReserveFailed, "", fmt.Errorf("failed to encode reservation: %w", err)
	}

	_, err = v.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, v.recordKey(req.IdempotencyKey), data, 0)
		pipe.ZAdd(ctx, v.slotsKey(), &redis.Z{Score: float64(req.Slot.Start.UnixMilli()), Member: string(data)})
		return nil
	})
	if err != nil {
		return domain.ReserveFailed, "", fmt.Errorf("failed to store reservation: %w", err)
	}
	return domain.ReserveConfirmed, r.ReservationID, nil
}

func (v *Redis) Release(ctx context.Context, _ domain.TimeSlot, key string) error {
	unlock, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := v.client.Get(ctx, v.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read reservation: %w", err)
	}

	_, err = v.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, v.recordKey(key))
		pipe.ZRem(ctx, v.slotsKey(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

func (v *Redis) Reservations(ctx context.Context, window domain.TimeSlot) ([]domain.Reservation, error) {
	return v.scan(ctx, window)
}

// scan returns reservations overlapping slot; an invalid slot returns all.
func (v *Redis) scan(ctx context.Context, slot domain.TimeSlot) ([]domain.Reservation, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if slot.Valid() {
		by.Max = "(" + strconv.FormatInt(slot.End.UnixMilli(), 10)
	}
	members, err := v.client.ZRangeByScore(ctx, v.slotsKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	var out []domain.Reservation
	for _, m := range members {
		var r domain.Reservation
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			return nil, fmt.Errorf("failed to decode reservation: %w", err)
		}
		if slot.Valid() && !r.Slot.Overlaps(slot) {
			continue
		}
		out = append(out, r)
	}
	sortReservations(out)
	return out, nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (v *Redis) lock(ctx context.Context) (func(), error) {
	token := uuid.New().String()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := v.client.SetNX(ctx, v.lockKey(), token, v.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire venue lock: %w", err)
		}
		if ok {
			return func() {
				_ = releaseScript.Run(context.WithoutCancel(ctx), v.client, []string{v.lockKey()}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire venue lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
