package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// HintStore keeps seat hints in Redis: one sorted set per trip whose members
// are "seat:user" and whose scores are the expiry in unix milliseconds. A set
// of trip ids lets the sweeper find trips with hints.
type HintStore struct {
	rdb    *redis.Client
	prefix string
}

// NewHintStore constructs a Redis backed HintStore.
func NewHintStore(rdb *redis.Client, prefix string) *HintStore {
	if prefix == "" {
		prefix = "hint"
	}
	return &HintStore{rdb: rdb, prefix: prefix}
}

// sweepScript removes expired members atomically and returns them with their
// scores; the trip leaves the index once its set is empty.
var sweepScript = redis.NewScript(`
	local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES')
	if #expired > 0 then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	end
	if redis.call('ZCARD', KEYS[1]) == 0 then
		redis.call('SREM', KEYS[2], ARGV[2])
	end
	return expired
`)

func (s *HintStore) tripKey(tripID uint64) string { return fmt.Sprintf("%s:trip:%d", s.prefix, tripID) }
func (s *HintStore) indexKey() string             { return s.prefix + ":trips" }

func hintMember(seatID, userID uint64) string { return fmt.Sprintf("%d:%d", seatID, userID) }

func parseHintMember(tripID uint64, member string, scoreMs int64) (model.SeatHint, bool) {
	seatPart, userPart, ok := strings.Cut(member, ":")
	if !ok {
		return model.SeatHint{}, false
	}
	seatID, err1 := strconv.ParseUint(seatPart, 10, 64)
	userID, err2 := strconv.ParseUint(userPart, 10, 64)
	if err1 != nil || err2 != nil {
		return model.SeatHint{}, false
	}
	return model.SeatHint{TripID: tripID, SeatID: seatID, UserID: userID, ExpiresAt: time.UnixMilli(scoreMs).UTC()}, true
}

// Add creates or refreshes userID's hints on seatIDs.
func (s *HintStore) Add(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64, expiresAt time.Time) error {
	if len(seatIDs) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(seatIDs))
	for _, id := range seatIDs {
		members = append(members, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: hintMember(id, userID)})
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.tripKey(tripID), members...)
		p.SAdd(ctx, s.indexKey(), strconv.FormatUint(tripID, 10))
		return nil
	})
	return err
}

// Remove deletes userID's hints on seatIDs and returns the seats that had one.
func (s *HintStore) Remove(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64) ([]uint64, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.IntCmd, len(seatIDs))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range seatIDs {
			cmds[i] = p.ZRem(ctx, s.tripKey(tripID), hintMember(id, userID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var removed []uint64
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			removed = append(removed, seatIDs[i])
		}
	}
	return removed, nil
}

// Live returns the hints on tripID that expire after now.
func (s *HintStore) Live(ctx context.Context, tripID uint64, now time.Time) ([]model.SeatHint, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.tripKey(tripID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.SeatHint, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		if h, ok := parseHintMember(tripID, member, int64(z.Score)); ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// Sweep removes every hint that expired at or before now and returns them.
func (s *HintStore) Sweep(ctx context.Context, now time.Time) ([]model.SeatHint, error) {
	trips, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []model.SeatHint
	for _, raw := range trips {
		tripID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			_ = s.rdb.SRem(ctx, s.indexKey(), raw).Err()
			continue
		}
		res, err := sweepScript.Run(ctx, s.rdb,
			[]string{s.tripKey(tripID), s.indexKey()},
			strconv.FormatInt(now.UnixMilli(), 10), raw).StringSlice()
		if err != nil {
			return out, fmt.Errorf("sweep hints of trip %d: %w", tripID, err)
		}
		for i := 0; i+1 < len(res); i += 2 {
			score, _ := strconv.ParseFloat(res[i+1], 64)
			if h, ok := parseHintMember(tripID, res[i], int64(score)); ok {
				out = append(out, h)
			}
		}
	}
	return out, nil
}

// MemoryHintStore is the process-local hint store used when Redis is not
// reachable. Hints are advisory, so losing them on restart is acceptable.
type MemoryHintStore struct {
	mu    sync.Mutex
	trips map[uint64]map[string]time.Time
}

// NewMemoryHintStore returns an empty in-process hint store.
func NewMemoryHintStore() *MemoryHintStore {
	return &MemoryHintStore{trips: make(map[uint64]map[string]time.Time)}
}

func (m *MemoryHintStore) Add(_ context.Context, tripID uint64, seatIDs []uint64, userID uint64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.trips[tripID]
	if set == nil {
		set = make(map[string]time.Time)
		m.trips[tripID] = set
	}
	for _, id := range seatIDs {
		set[hintMember(id, userID)] = expiresAt
	}
	return nil
}

func (m *MemoryHintStore) Remove(_ context.Context, tripID uint64, seatIDs []uint64, userID uint64) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []uint64
	for _, id := range seatIDs {
		key := hintMember(id, userID)
		if _, ok := m.trips[tripID][key]; ok {
			delete(m.trips[tripID], key)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (m *MemoryHintStore) Live(_ context.Context, tripID uint64, now time.Time) ([]model.SeatHint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SeatHint
	for member, exp := range m.trips[tripID] {
		if !exp.After(now) {
			continue
		}
		if h, ok := parseHintMember(tripID, member, exp.UnixMilli()); ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemoryHintStore) Sweep(_ context.Context, now time.Time) ([]model.SeatHint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SeatHint
	for tripID, set := range m.trips {
		for member, exp := range set {
			if exp.After(now) {
				continue
			}
			delete(set, member)
			if h, ok := parseHintMember(tripID, member, exp.UnixMilli()); ok {
				out = append(out, h)
			}
		}
		if len(set) == 0 {
			delete(m.trips, tripID)
		}
	}
	return out, nil
}
