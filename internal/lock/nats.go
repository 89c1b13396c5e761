package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds optimistic-update retries so losers always get a
// definite answer
const maxCASAttempts = 32

// NATSLock keeps the lock state in a JetStream key-value bucket. The winner
// key is committed with Create, which only succeeds when the key is absent.
type NATSLock struct {
	kv     jetstream.KeyValue
	name   string
	logger *slog.Logger
}

// NewNATSLock opens (creating if needed) the bucket holding the lock state
func NewNATSLock(ctx context.Context, js jetstream.JetStream, bucket, name string, ttl time.Duration, logger *slog.Logger) (*NATSLock, error) {
	if bucket == "" {
		bucket = "runjoin-lock"
	}
	if name == "" {
		name = "runjoin"
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: nats: %w", ErrUnavailable, err)
	}

	return &NATSLock{kv: kv, name: sanitizeKey(name), logger: logger}, nil
}

func (l *NATSLock) winnerKey() string    { return l.name + ".winner" }
func (l *NATSLock) instancesKey() string { return l.name + ".instances" }

// ObtainIdentifier implements Lock
func (l *NATSLock) ObtainIdentifier(ctx context.Context, candidate string) (string, bool, error) {
	if err := l.adjust(ctx, 1); err != nil {
		return "", false, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		_, err := l.kv.Create(ctx, l.winnerKey(), []byte(candidate))
		if err == nil {
			l.logger.Debug("identifier committed", "winner", candidate)
			return candidate, true, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return "", false, fmt.Errorf("%w: nats: %w", ErrUnavailable, err)
		}

		entry, err := l.kv.Get(ctx, l.winnerKey())
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// Deleted by a finishing group between Create and Get
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("%w: nats: %w", ErrUnavailable, err)
		}

		winner := string(entry.Value())
		l.logger.Debug("identifier arbitrated", "candidate", candidate, "winner", winner)
		return winner, false, nil
	}

	return "", false, fmt.Errorf("%w: nats: winner not settled after %d attempts", ErrUnavailable, maxCASAttempts)
}

// FinishInstance implements Lock
func (l *NATSLock) FinishInstance(ctx context.Context, instance string) error {
	if err := l.adjust(ctx, -1); err != nil {
		return err
	}
	l.logger.Debug("instance finished", "instance", instance)
	return nil
}

// adjust changes the instance counter by delta using revision-checked
// writes. Reaching zero deletes both keys.
func (l *NATSLock) adjust(ctx context.Context, delta int) error {
	key := l.instancesKey()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := l.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			if delta <= 0 {
				return nil
			}
			if _, err := l.kv.Create(ctx, key, []byte(strconv.Itoa(delta))); err == nil {
				return nil
			} else if !errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("%w: nats: %w", ErrUnavailable, err)
			}
			continue
		case err != nil:
			return fmt.Errorf("%w: nats: %w", ErrUnavailable, err)
		}

		count, _ := strconv.Atoi(string(entry.Value()))
		count += delta

		if count > 0 {
			if _, err := l.kv.Update(ctx, key, []byte(strconv.Itoa(count)), entry.Revision()); err == nil {
				return nil
			}
			continue
		}

		if err := l.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
			continue
		}
		if err := l.kv.Delete(ctx, l.winnerKey()); err != nil {
			return fmt.Errorf("%w: nats: %w", ErrUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: nats: instance counter contended after %d attempts", ErrUnavailable, maxCASAttempts)
}

// sanitizeKey maps name onto the characters allowed in KV keys
func sanitizeKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
