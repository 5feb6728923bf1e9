package database

import (
	"encoding/json"

	"github.com/saintparish4/trafficcop/shared/models"
	"go.etcd.io/bbolt"
)

// AppendHistory appends daily records. Keys come from the bucket sequence,
// so existing rows are never overwritten.
func (dm *DatabaseManager) AppendHistory(records []models.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := dm.clock.Now().UTC()
	return dm.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		for i := range records {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			rec := records[i]
			rec.Seq = seq
			rec.TotalBytes = rec.RxBytes + rec.TxBytes
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(itob(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListHistory returns the records of one node with from <= date <= to.
// Dates are YYYY-MM-DD; empty bounds are open. A date summarized more than
// once yields only its latest record, in the position of the first.
func (dm *DatabaseManager) ListHistory(nodeID int64, from, to string) ([]*models.HistoryRecord, error) {
	var records []*models.HistoryRecord
	byDate := make(map[string]int)
	err := dm.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(_, v []byte) error {
			var rec models.HistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.NodeID != nodeID {
				return nil
			}
			if (from != "" && rec.Date < from) || (to != "" && rec.Date > to) {
				return nil
			}
			// keys are sequence numbers, so later rows win
			if i, ok := byDate[rec.Date]; ok {
				records[i] = &rec
				return nil
			}
			byDate[rec.Date] = len(records)
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}
