// Package asset models asset lineage: declarations attached to workflow
// steps, partitioning schemes, and persisted materializations. Assets connect
// producer steps to downstream workflows that auto-rematerialize when an
// upstream asset is produced.
package asset

import (
	"fmt"
	"time"
)

type (
	// Declaration annotates a workflow step as producing or consuming an
	// asset.
	Declaration struct {
		// AssetID names the asset. Unique within the deployment's lineage
		// graph by convention, not enforcement.
		AssetID string `json:"assetId"`
		// Schema optionally documents the asset payload shape.
		Schema map[string]any `json:"schema,omitempty"`
		// Freshness declares how long a materialization stays fresh.
		Freshness *Freshness `json:"freshness,omitempty"`
		// Partitioning slices the asset; nil means unpartitioned.
		Partitioning *Partitioning `json:"partitioning,omitempty"`
		// AutoMaterialize opts the declaring workflow into automatic
		// rematerialization when an upstream asset updates.
		AutoMaterialize *AutoMaterialize `json:"autoMaterialize,omitempty"`
	}

	// Freshness bounds the useful lifetime of a materialization.
	Freshness struct {
		TTLMs int64 `json:"ttlMs"`
	}

	// Partitioning describes how an asset is sliced into partitions.
	Partitioning struct {
		Type PartitioningType `json:"type"`
		// Keys enumerates the valid partition keys for static partitioning.
		Keys []string `json:"keys,omitempty"`
		// Granularity is the bucket size for time-window partitioning:
		// "minute", "hour" or "day".
		Granularity Granularity `json:"granularity,omitempty"`
		// Timezone is an IANA zone name for window alignment. Empty means UTC.
		Timezone string `json:"timezone,omitempty"`
	}

	// PartitioningType enumerates partitioning schemes.
	PartitioningType string

	// Granularity enumerates time-window bucket sizes.
	Granularity string

	// AutoMaterialize configures downstream auto-runs.
	AutoMaterialize struct {
		OnUpstreamUpdate bool `json:"onUpstreamUpdate"`
		Priority         int  `json:"priority,omitempty"`
	}

	// Materialization records one production of an asset by a workflow run
	// step, together with the payload and the partition it covers.
	Materialization struct {
		ID                string
		WorkflowRunID     string
		WorkflowRunStepID string
		StepID            string
		AssetID           string
		PartitionKey      string
		Payload           any
		Schema            map[string]any
		Freshness         *Freshness
		ProducedAt        time.Time
	}
)

const (
	PartitionStatic     PartitioningType = "static"
	PartitionTimeWindow PartitioningType = "timeWindow"
	PartitionDynamic    PartitioningType = "dynamic"
)

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// RequiresPartitionKey reports whether runs producing this asset must carry a
// partition key. Dynamic partitioning accepts arbitrary keys including none.
func (p *Partitioning) RequiresPartitionKey() bool {
	if p == nil {
		return false
	}
	return p.Type == PartitionStatic || p.Type == PartitionTimeWindow
}

// partition key layouts accepted for time windows, tried in order.
var windowLayouts = []string{"2006-01-02T15:04", time.RFC3339, "2006-01-02"}

// ValidatePartitionKey checks a partition key against the scheme. For static
// partitioning the key must be one of the declared keys. For time windows the
// key must parse and be aligned to the start of a granularity bucket in the
// declared timezone (inclusive start, exclusive end).
func (p *Partitioning) ValidatePartitionKey(key string) error {
	if p == nil {
		return nil
	}
	switch p.Type {
	case PartitionStatic:
		for _, k := range p.Keys {
			if k == key {
				return nil
			}
		}
		return fmt.Errorf("partition key %q is not one of the declared static keys", key)
	case PartitionTimeWindow:
		ts, err := p.parseWindowKey(key)
		if err != nil {
			return err
		}
		if !ts.Equal(p.AlignWindow(ts)) {
			return fmt.Errorf("partition key %q is not aligned to %s granularity", key, p.Granularity)
		}
		return nil
	case PartitionDynamic:
		return nil
	default:
		return fmt.Errorf("unknown partitioning type %q", p.Type)
	}
}

// AlignWindow truncates a timestamp to the start of its partition window in
// the scheme's timezone.
func (p *Partitioning) AlignWindow(t time.Time) time.Time {
	loc := p.location()
	t = t.In(loc)
	switch p.Granularity {
	case GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	}
}

// WindowKey renders the canonical partition key for the window containing t.
func (p *Partitioning) WindowKey(t time.Time) string {
	aligned := p.AlignWindow(t)
	if p.Granularity == GranularityDay {
		return aligned.Format("2006-01-02")
	}
	return aligned.Format("2006-01-02T15:04")
}

func (p *Partitioning) parseWindowKey(key string) (time.Time, error) {
	loc := p.location()
	for _, layout := range windowLayouts {
		if ts, err := time.ParseInLocation(layout, key, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("partition key %q is not a recognized timestamp", key)
}

func (p *Partitioning) location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
