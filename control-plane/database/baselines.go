package database

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/saintparish4/trafficcop/shared/models"
	"go.etcd.io/bbolt"
)

// Key format: month \x00 instance \x00 iface, so one month's rows are a
// contiguous cursor range.
func baselineKey(instance, iface, monthKey string) []byte {
	return []byte(strings.Join([]string{monthKey, instance, iface}, "\x00"))
}

// UpsertBaseline writes the baseline under its natural key, replacing any
// row already captured for the same instance, iface and month. The write is
// a single Put in one transaction, so readers see either the old row or the
// new one.
func (dm *DatabaseManager) UpsertBaseline(b models.Baseline) error {
	if b.Instance == "" || b.MonthKey == "" {
		return fmt.Errorf("baseline needs instance and month key")
	}
	if b.Iface == "" {
		b.Iface = models.IfaceTotal
	}
	if b.CapturedAt.IsZero() {
		b.CapturedAt = dm.clock.Now().UTC()
	}

	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return dm.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBaselines).Put(baselineKey(b.Instance, b.Iface, b.MonthKey), data)
	})
}

// GetBaseline returns the baseline for the key, or ErrNotFound
func (dm *DatabaseManager) GetBaseline(instance, iface, monthKey string) (*models.Baseline, error) {
	var baseline *models.Baseline
	err := dm.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBaselines).Get(baselineKey(instance, iface, monthKey))
		if data == nil {
			return fmt.Errorf("baseline %s/%s/%s: %w", instance, iface, monthKey, ErrNotFound)
		}
		baseline = &models.Baseline{}
		return json.Unmarshal(data, baseline)
	})
	if err != nil {
		return nil, err
	}
	return baseline, nil
}

// ListBaselines returns every baseline captured for monthKey
func (dm *DatabaseManager) ListBaselines(monthKey string) ([]*models.Baseline, error) {
	var baselines []*models.Baseline
	err := dm.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketBaselines).Cursor()
		prefix := []byte(monthKey + "\x00")

		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var b models.Baseline
			if err := json.Unmarshal(v, &b); err != nil {
				continue
			}
			baselines = append(baselines, &b)
		}
		return nil
	})
	return baselines, err
}
