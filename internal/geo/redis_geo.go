package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex is the Redis GEO view of the driver pool, written by the
// heartbeat consumer and read by the dispatcher's nearby-drivers API.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.Driver) error {
	if d.Location != nil {
		err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
			Name:      d.ID,
			Longitude: d.Location.Longitude,
			Latitude:  d.Location.Latitude,
		}).Err()
		if err != nil {
			return err
		}
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"name":         d.Name,
		"status":       string(d.Status),
		"rating":       strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"current_ride": d.CurrentRideID,
		"updated":      time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(id)).Err()
}

// Nearby returns drivers within radiusKm of p, nearest first, enriched
// with hash metadata when present.
func (r *RedisIndex) Nearby(ctx context.Context, p models.GeoPoint, radiusKm float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, p.Longitude, p.Latitude, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{
			ID:       g.Name,
			Location: &models.GeoPoint{Latitude: g.Latitude, Longitude: g.Longitude},
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			d.Name = m["name"]
			d.Status = models.DriverStatus(m["status"])
			d.CurrentRideID = m["current_ride"]
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
