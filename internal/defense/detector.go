package defense

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/cache"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/metrics"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// location is a point extracted from an event's details, following the
// original detector's fallback chain: geometry, then details.location,
// details.position, or bare lat/lon fields.
type location struct {
	lat, lon float64
}

// extractLocation mirrors defense_detector.py's _extract_location: try a
// GeoJSON Point geometry first, then a handful of common nested/flat shapes.
func extractLocation(details map[string]interface{}) (location, bool) {
	if geom, ok := details["geometry"].(map[string]interface{}); ok {
		if geom["type"] == "Point" {
			if coords, ok := geom["coordinates"].([]interface{}); ok && len(coords) >= 2 {
				lon, lonOK := toFloat(coords[0])
				lat, latOK := toFloat(coords[1])
				if lonOK && latOK {
					return location{lat: lat, lon: lon}, true
				}
			}
		}
	}
	for _, key := range []string{"location", "position"} {
		if nested, ok := details[key].(map[string]interface{}); ok {
			if loc, ok := latLonFrom(nested); ok {
				return loc, true
			}
		}
	}
	if loc, ok := latLonFrom(details); ok {
		return loc, true
	}
	return location{}, false
}

func latLonFrom(m map[string]interface{}) (location, bool) {
	lat, latOK := toFloat(firstOf(m, "latitude", "lat"))
	lon, lonOK := toFloat(firstOf(m, "longitude", "lon"))
	if latOK && lonOK {
		return location{lat: lat, lon: lon}, true
	}
	return location{}, false
}

func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func areaKey(loc location, bucketKM float64) string {
	// ~1km grid at the equator is 0.01 degrees; scale by the configured bucket.
	precision := 0.01 * bucketKM
	return fmt.Sprintf("%.4f,%.4f", math.Round(loc.lat/precision)*precision, math.Round(loc.lon/precision)*precision)
}

func haversineKM(a, b location) float64 {
	const earthRadiusKM = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.lat - a.lat)
	dLon := rad(b.lon - a.lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(a.lat))*math.Cos(rad(b.lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func systemTypeFor(topic string) string {
	switch {
	case strings.Contains(topic, "airspace"):
		return "airspace"
	case strings.Contains(topic, "transit"):
		return "transit"
	case strings.Contains(topic, "traffic"):
		return "traffic"
	case strings.Contains(topic, "power"):
		return "power"
	default:
		return "unknown"
	}
}

func threatTypeFor(topic string) model.ThreatType {
	switch {
	case strings.Contains(topic, "airspace"):
		return model.ThreatAirspace
	case strings.Contains(topic, "power"):
		return model.ThreatCyberPhysical
	default:
		return model.ThreatCivil
	}
}

type historyEntry struct {
	topic    string
	time     time.Time
	loc      location
	severity model.Severity
	system   string
}

// aircraftSample is one sector's aircraft-count reading, used by the
// conflicting-sensor-data rule.
type aircraftSample struct {
	at    time.Time
	count float64
}

// Detector is C8's detector: correlates a sliding window of non-defense
// events over a spatial bucket, firing four rule families (§4.8), grounded
// in original_source/agents/defense_detector.py.
type Detector struct {
	bus   bus.Bus
	store eventstore.Store
	dedup *cache.SpatialDedup
	rules RuleConfig
	log   *logging.Logger

	mu               sync.Mutex
	history          []historyEntry
	aircraftBySector map[string][]aircraftSample
}

// NewDetector builds a Detector. dedup guards the 5km/5min deduplication
// window (§4.8); rules carries the (possibly YAML-overridden) thresholds.
func NewDetector(b bus.Bus, store eventstore.Store, dedup *cache.SpatialDedup, rules RuleConfig, log *logging.Logger) *Detector {
	return &Detector{
		bus:              b,
		store:            store,
		dedup:            dedup,
		rules:            rules,
		log:              log,
		aircraftBySector: make(map[string][]aircraftSample),
	}
}

// Start subscribes to every domain-trigger topic the detector correlates
// over (explicitly excluding defense.* and fix.* to prevent feedback loops).
func (d *Detector) Start() error {
	for _, topic := range model.DefenseInputTopics {
		if err := d.bus.Subscribe(topic, d.handle); err != nil {
			return fmt.Errorf("defense: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

type ruleHit struct {
	threatType model.ThreatType
	confidence float64
	severity   model.ThreatSeverity
	rule       string
	summary    string
}

func (d *Detector) handle(ctx context.Context, evt model.Event) error {
	loc, ok := extractLocation(evt.Details)
	if !ok {
		return nil
	}

	now := evt.Timestamp
	system := systemTypeFor(evt.Topic)

	d.mu.Lock()
	d.history = append(d.history, historyEntry{topic: evt.Topic, time: now, loc: loc, severity: evt.Severity, system: system})
	cutoff := now.Add(-time.Hour)
	d.history = pruneHistory(d.history, cutoff)
	history := append([]historyEntry(nil), d.history...)
	d.mu.Unlock()

	var hits []ruleHit
	if hit, ok := d.detectEventSpike(history, loc, now); ok {
		hits = append(hits, hit)
	}
	if hit, ok := d.detectConflictingSensorData(evt); ok {
		hits = append(hits, hit)
	}
	if hit, ok := d.detectEnvironmentalRisk(evt); ok {
		hits = append(hits, hit)
	}
	if hit, ok := d.detectMultiSystemStress(history, loc, now); ok {
		hits = append(hits, hit)
	}

	for _, hit := range hits {
		if err := d.emitThreat(ctx, evt, loc, now, hit); err != nil {
			d.log.WithError(err).Warn("defense: failed to emit threat")
		}
	}
	return nil
}

func pruneHistory(h []historyEntry, cutoff time.Time) []historyEntry {
	out := h[:0]
	for _, e := range h {
		if !e.time.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// detectEventSpike is rule 1: N events in the same ~1km bucket within T
// seconds.
func (d *Detector) detectEventSpike(history []historyEntry, loc location, now time.Time) (ruleHit, bool) {
	cutoff := now.Add(-d.rules.eventSpikeWindow())
	key := areaKey(loc, d.rules.SpatialBucketKM)
	count := 0
	for _, e := range history {
		if e.time.Before(cutoff) {
			continue
		}
		if areaKey(e.loc, d.rules.SpatialBucketKM) == key {
			count++
		}
	}
	if count < d.rules.EventSpikeThreshold {
		return ruleHit{}, false
	}
	magnitude := float64(count) / float64(d.rules.EventSpikeThreshold)
	confidence := math.Min(0.9, 0.5+(magnitude-1)*0.1)
	severity := severityFromMagnitude(magnitude, [3]float64{1.5, 2.0, 3.0})
	return ruleHit{
		threatType: model.ThreatCivil,
		confidence: confidence,
		severity:   severity,
		rule:       "event_spike",
		summary:    fmt.Sprintf("sudden spike of %d events in area %s", count, key),
	}, true
}

// detectConflictingSensorData is rule 2: an airspace sector's aircraft count
// jumping more than the configured ratio within the configured window.
func (d *Detector) detectConflictingSensorData(evt model.Event) (ruleHit, bool) {
	if !strings.Contains(strings.ToLower(evt.Topic), "airspace") {
		return ruleHit{}, false
	}
	sector := evt.Sector
	if sector == "" {
		return ruleHit{}, false
	}
	count, ok := firstCount(evt.Details)
	if !ok {
		return ruleHit{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := evt.Timestamp.Add(-d.rules.conflictWindow())
	samples := d.aircraftBySector[sector]
	var recent []aircraftSample
	for _, s := range samples {
		if !s.at.Before(cutoff) {
			recent = append(recent, s)
		}
	}

	var hit ruleHit
	hitFound := false
	if len(recent) > 0 {
		last := recent[len(recent)-1].count
		if last > 0 {
			ratio := math.Abs(count-last) / last
			if ratio > d.rules.ConflictJumpRatio {
				confidence := math.Min(0.85, 0.6+ratio*0.5)
				severity := model.ThreatSeverityMed
				if ratio > 1.0 {
					severity = model.ThreatSeverityHigh
				}
				hit = ruleHit{
					threatType: threatTypeFor(evt.Topic),
					confidence: confidence,
					severity:   severity,
					rule:       "conflicting_sensor_data",
					summary:    fmt.Sprintf("aircraft count jumped from %.0f to %.0f in sector %s", last, count, sector),
				}
				hitFound = true
			}
		}
	}

	hourAgo := evt.Timestamp.Add(-time.Hour)
	var kept []aircraftSample
	for _, s := range recent {
		if !s.at.Before(hourAgo) {
			kept = append(kept, s)
		}
	}
	d.aircraftBySector[sector] = append(kept, aircraftSample{at: evt.Timestamp, count: count})

	return hit, hitFound
}

func firstCount(details map[string]interface{}) (float64, bool) {
	if v, ok := toFloat(firstOf(details, "aircraft_count", "count")); ok {
		return v, true
	}
	return 0, false
}

// detectEnvironmentalRisk is rule 3: a risk score crossing the configured
// threshold, extracted via the configurable gojq expression.
func (d *Detector) detectEnvironmentalRisk(evt model.Event) (ruleHit, bool) {
	risk, ok := d.rules.environmentalRisk(evt.Details)
	if !ok || risk < d.rules.EnvironmentalRiskThreshold {
		return ruleHit{}, false
	}
	confidence := math.Min(0.9, 0.7+(risk-d.rules.EnvironmentalRiskThreshold)*0.4)
	severity := model.ThreatSeverityMed
	switch {
	case risk >= 0.9:
		severity = model.ThreatSeverityCritical
	case risk >= 0.8:
		severity = model.ThreatSeverityHigh
	}
	return ruleHit{
		threatType: model.ThreatEnvironmental,
		confidence: confidence,
		severity:   severity,
		rule:       "environmental_risk",
		summary:    fmt.Sprintf("environmental risk threshold crossed: %.2f", risk),
	}, true
}

// detectMultiSystemStress is rule 4: 3+ distinct domains reporting
// moderate-or-worse severity in the same bucket within the configured window.
func (d *Detector) detectMultiSystemStress(history []historyEntry, loc location, now time.Time) (ruleHit, bool) {
	cutoff := now.Add(-d.rules.multiSystemStressWindow())
	key := areaKey(loc, d.rules.SpatialBucketKM)
	stressed := make(map[string]bool)
	for _, e := range history {
		if e.time.Before(cutoff) || areaKey(e.loc, d.rules.SpatialBucketKM) != key {
			continue
		}
		if e.severity == model.SeverityModerate || e.severity == model.SeverityCritical {
			stressed[e.system] = true
		}
	}
	if len(stressed) < d.rules.MultiSystemStressMinSystems {
		return ruleHit{}, false
	}
	confidence := math.Min(0.95, 0.7+float64(len(stressed))*0.05)
	severity := model.ThreatSeverityMed
	switch {
	case len(stressed) >= 5:
		severity = model.ThreatSeverityCritical
	case len(stressed) >= 4:
		severity = model.ThreatSeverityHigh
	}
	return ruleHit{
		threatType: model.ThreatCyberPhysical,
		confidence: confidence,
		severity:   severity,
		rule:       "multi_system_stress",
		summary:    fmt.Sprintf("%d systems under stress in area %s", len(stressed), key),
	}, true
}

func (d *Detector) emitThreat(ctx context.Context, trigger model.Event, loc location, now time.Time, hit ruleHit) error {
	seen, err := d.dedup.SeenNearbyOrMark(ctx, string(hit.threatType), loc.lat, loc.lon, now)
	if err != nil {
		d.log.WithError(err).Warn("defense: dedup check failed, proceeding without dedup")
	} else if seen {
		return nil
	}

	threatID := fmt.Sprintf("THREAT-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
	threat := model.Threat{
		ThreatID:        threatID,
		ThreatType:      hit.threatType,
		ConfidenceScore: hit.confidence,
		Severity:        hit.severity,
		AffectedArea:    polygonAround(loc, 2.0),
		Sources:         []string{systemTypeFor(trigger.Topic)},
		Summary:         fmt.Sprintf("%s (rule: %s)", hit.summary, hit.rule),
		DetectedAt:      now,
		Disclaimer:      model.MandatoryDisclaimer,
	}
	if err := model.ValidateThreat(threat); err != nil {
		return fmt.Errorf("defense: detected threat failed schema validation: %w", err)
	}

	severity := model.SeverityModerate
	if hit.severity == model.ThreatSeverityHigh || hit.severity == model.ThreatSeverityCritical {
		severity = model.SeverityCritical
	}

	evt := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicDefenseThreatDetected,
		Timestamp:     now,
		Source:        "defense-detector",
		Severity:      severity,
		Sector:        trigger.Sector,
		Summary:       fmt.Sprintf("threat %s detected: %s", threatID, hit.summary),
		CorrelationID: threatID,
		Details: map[string]interface{}{
			"threat_id":        threat.ThreatID,
			"threat_type":      string(threat.ThreatType),
			"confidence_score": threat.ConfidenceScore,
			"severity":         string(threat.Severity),
			"affected_area":    threat.AffectedArea,
			"sources":          threat.Sources,
			"summary":          threat.Summary,
			"detected_at":      threat.DetectedAt,
			"disclaimer":       threat.Disclaimer,
		},
	}
	if err := d.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := d.store.Append(ctx, evt); err != nil {
		d.log.WithError(err).Warn("defense: failed to log threat.detected")
	}
	metrics.DefenseThreatsDetected.WithLabelValues(string(threat.ThreatType)).Inc()
	return nil
}

// polygonAround approximates a circle of radiusKM around loc as a square,
// matching the original's own simplification (_create_geometry_from_location).
func polygonAround(loc location, radiusKM float64) map[string]interface{} {
	const kmPerDegree = 111.0
	r := radiusKM / kmPerDegree
	return map[string]interface{}{
		"type": "Polygon",
		"coordinates": [][][]float64{{
			{loc.lon - r, loc.lat - r},
			{loc.lon + r, loc.lat - r},
			{loc.lon + r, loc.lat + r},
			{loc.lon - r, loc.lat + r},
			{loc.lon - r, loc.lat - r},
		}},
	}
}
