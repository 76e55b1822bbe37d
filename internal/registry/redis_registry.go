package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/observability"
)

// RedisRegistry implements Registry on Redis: positions live in a GEO key,
// the rest of the rider record in a per-rider hash, and the available set
// in a plain set for snapshot listing. Shared by the API process and the
// Kafka location consumer.
type RedisRegistry struct {
	client *redis.Client
	geoKey string
	ctx    context.Context
}

func NewRedisRegistry(addr, password, geoKey string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, geoKey: geoKey, ctx: context.Background()}
}

func (r *RedisRegistry) availableKey() string { return r.geoKey + ":available" }
func metaKey(id string) string                { return "rider:meta:" + id }

// Check-and-write steps run as Lua scripts so two processes cannot both
// pass the same check: the in-memory Index holds its mutex across check
// and write, and Redis needs the same guarantee.
var assignScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HGET", KEYS[1], "deactivated") == "1" then
	return 0
end
if redis.call("HGET", KEYS[1], "status") ~= "available" then
	return 0
end
redis.call("HSET", KEYS[1], "status", "busy", "active_order", ARGV[2], "updated", ARGV[3])
redis.call("SREM", KEYS[2], ARGV[1])
return 1
`)

var upsertLocationScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local cur = tonumber(redis.call("HGET", KEYS[1], "loc_seq") or "0") or 0
if tonumber(ARGV[4]) <= cur then
	return 0
end
redis.call("GEOADD", KEYS[2], ARGV[2], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[1], "loc_seq", ARGV[4], "has_loc", "1", "updated", ARGV[5])
return 1
`)

func (r *RedisRegistry) Register(rd models.Rider) (models.Rider, error) {
	if rd.ID == "" {
		return models.Rider{}, ErrNotFound
	}
	if rd.Status == "" {
		rd.Status = models.RiderOffline
	}
	if !rd.Status.Valid() {
		return models.Rider{}, ErrBadStatus
	}
	if rd.Status != models.RiderOffline && rd.Loc == nil {
		return models.Rider{}, ErrNoLocation
	}
	if rd.Vehicle == "" {
		rd.Vehicle = models.VehicleMotorcycle
	}
	ok, err := r.client.HSetNX(r.ctx, metaKey(rd.ID), "id", rd.ID).Result()
	if err != nil {
		return models.Rider{}, err
	}
	if !ok {
		return models.Rider{}, ErrExists
	}
	rd.Updated = time.Now()
	if err := r.writeMeta(&rd); err != nil {
		return models.Rider{}, err
	}
	if rd.Loc != nil {
		if err := r.writeGeo(rd.ID, *rd.Loc); err != nil {
			return models.Rider{}, err
		}
	}
	return rd, nil
}

func (r *RedisRegistry) Get(id string) (models.Rider, error) {
	m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
	if err != nil {
		return models.Rider{}, err
	}
	if len(m) == 0 {
		return models.Rider{}, ErrNotFound
	}
	rd := riderFromMeta(id, m)
	pos, err := r.client.GeoPos(r.ctx, r.geoKey, id).Result()
	if err == nil && len(pos) == 1 && pos[0] != nil {
		rd.Loc = &models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return rd, nil
}

func (r *RedisRegistry) UpsertLocation(id string, loc models.Coord, seq int64) error {
	n, err := upsertLocationScript.Run(r.ctx, r.client,
		[]string{metaKey(id), r.geoKey},
		id, loc.Lon, loc.Lat, seq, time.Now().Format(time.RFC3339),
	).Int()
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return ErrStaleReport
	}
}

func (r *RedisRegistry) SetStatus(id string, status models.RiderStatus) error {
	if !status.Valid() {
		return ErrBadStatus
	}
	rd, err := r.Get(id)
	if err != nil {
		return err
	}
	if rd.Deactivated {
		return ErrDeactivated
	}
	if status != models.RiderOffline && rd.Loc == nil {
		return ErrNoLocation
	}
	return r.setStatus(id, status)
}

func (r *RedisRegistry) Assign(id, orderID string) error {
	n, err := assignScript.Run(r.ctx, r.client,
		[]string{metaKey(id), r.availableKey()},
		id, orderID, time.Now().Format(time.RFC3339),
	).Int()
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return ErrNotAvailable
	}
}

func (r *RedisRegistry) Release(id string) error {
	rd, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.client.HDel(r.ctx, metaKey(id), "active_order").Err(); err != nil {
		return err
	}
	if rd.Status == models.RiderBusy {
		return r.setStatus(id, models.RiderAvailable)
	}
	return nil
}

func (r *RedisRegistry) Deactivate(id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	if err := r.client.HSet(r.ctx, metaKey(id), "deactivated", "1").Err(); err != nil {
		return err
	}
	return r.setStatus(id, models.RiderOffline)
}

func (r *RedisRegistry) ListAvailable() []models.Rider {
	ids, err := r.client.SMembers(r.ctx, r.availableKey()).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Rider, 0, len(ids))
	for _, id := range ids {
		rd, err := r.Get(id)
		if err != nil || rd.Loc == nil || rd.Deactivated {
			continue
		}
		if rd.Status != models.RiderAvailable {
			continue
		}
		out = append(out, rd)
	}
	observability.RidersAvailable.Set(float64(len(out)))
	return out
}

func (r *RedisRegistry) setStatus(id string, status models.RiderStatus) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, metaKey(id), "status", string(status), "updated", time.Now().Format(time.RFC3339))
	if status == models.RiderAvailable {
		pipe.SAdd(r.ctx, r.availableKey(), id)
	} else {
		pipe.SRem(r.ctx, r.availableKey(), id)
	}
	_, err := pipe.Exec(r.ctx)
	return err
}

func (r *RedisRegistry) writeGeo(id string, loc models.Coord) error {
	_, err := r.client.GeoAdd(r.ctx, r.geoKey, &redis.GeoLocation{
		Longitude: loc.Lon,
		Latitude:  loc.Lat,
		Name:      id,
	}).Result()
	return err
}

func (r *RedisRegistry) writeMeta(rd *models.Rider) error {
	vals := map[string]interface{}{
		"id":      rd.ID,
		"name":    rd.Name,
		"phone":   rd.Phone,
		"status":  string(rd.Status),
		"vehicle": string(rd.Vehicle),
		"loc_seq": rd.LocSeq,
		"updated": rd.Updated.Format(time.RFC3339),
	}
	if rd.Loc != nil {
		vals["has_loc"] = "1"
	}
	if err := r.client.HSet(r.ctx, metaKey(rd.ID), vals).Err(); err != nil {
		return err
	}
	if rd.Status == models.RiderAvailable {
		return r.client.SAdd(r.ctx, r.availableKey(), rd.ID).Err()
	}
	return nil
}

func riderFromMeta(id string, m map[string]string) models.Rider {
	rd := models.Rider{
		ID:            id,
		Name:          m["name"],
		Phone:         m["phone"],
		Status:        models.RiderStatus(m["status"]),
		Vehicle:       models.VehicleProfile(m["vehicle"]),
		ActiveOrderID: m["active_order"],
		Deactivated:   m["deactivated"] == "1",
	}
	if v, ok := m["loc_seq"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rd.LocSeq = n
		}
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			rd.Updated = t
		}
	}
	if rd.Status == "" {
		rd.Status = models.RiderOffline
	}
	return rd
}
