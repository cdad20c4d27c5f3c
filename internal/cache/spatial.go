package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SpatialDedup deduplicates defense-chain detections within a radius and
// time window (§4.8: "deduplicated against threats within 5 km and
// 5 minutes"). Recent detections per threat type are kept in a Redis sorted
// set scored by detection time, pruned lazily on each check.
type SpatialDedup struct {
	client   *redis.Client
	prefix   string
	window   time.Duration
	radiusKM float64
}

// NewSpatialDedup builds a SpatialDedup keyed under prefix, considering
// detections within radiusKM and window of each other duplicates.
func NewSpatialDedup(client *redis.Client, prefix string, window time.Duration, radiusKM float64) *SpatialDedup {
	return &SpatialDedup{client: client, prefix: prefix, window: window, radiusKM: radiusKM}
}

type spatialEntry struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SeenNearbyOrMark reports whether an existing detection of threatType lies
// within the configured radius and window of (lat, lon). If not, it records
// this detection so later calls can dedup against it.
func (d *SpatialDedup) SeenNearbyOrMark(ctx context.Context, threatType string, lat, lon float64, now time.Time) (bool, error) {
	key := d.prefix + ":" + threatType
	cutoff := float64(now.Add(-d.window).Unix())

	if err := d.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(cutoff, 'f', 0, 64)).Err(); err != nil {
		return false, fmt.Errorf("cache: prune spatial set %s: %w", key, err)
	}

	members, err := d.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: strconv.FormatFloat(cutoff, 'f', 0, 64), Max: "+inf"}).Result()
	if err != nil {
		return false, fmt.Errorf("cache: range spatial set %s: %w", key, err)
	}

	for _, raw := range members {
		var entry spatialEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if haversineKM(lat, lon, entry.Lat, entry.Lon) <= d.radiusKM {
			return true, nil
		}
	}

	payload, err := json.Marshal(spatialEntry{Lat: lat, Lon: lon})
	if err != nil {
		return false, fmt.Errorf("cache: marshal spatial entry: %w", err)
	}
	if err := d.client.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: payload}).Err(); err != nil {
		return false, fmt.Errorf("cache: record spatial entry %s: %w", key, err)
	}
	return false, nil
}

// haversineKM returns the great-circle distance in kilometers between two
// lat/lon points.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}
