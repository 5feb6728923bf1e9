package database

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/saintparish4/trafficcop/shared/models"
	"github.com/saintparish4/trafficcop/shared/utils"
	"go.etcd.io/bbolt"
)

// RegisterRequest is what an agent sends on first install. Both fields
// are optional.
type RegisterRequest struct {
	Instance    string `json:"instance"`
	DisplayName string `json:"display_name"`
}

// Register allocates a fresh node id from the bucket sequence. Sequence
// values are never handed out twice, so ids are not reused after deletes.
func (dm *DatabaseManager) Register(req RegisterRequest) (*models.Node, error) {
	instance := strings.TrimSpace(req.Instance)
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = instance
	}

	var node *models.Node
	err := dm.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket(bucketNodes).NextSequence()
		if err != nil {
			return err
		}
		now := dm.clock.Now().UTC()
		n := newNode(int64(seq), instance, displayName, now)
		if n.Instance == "" {
			n.Instance = utils.PlaceholderInstance(n.ID, now)
		}
		if err := insertNode(tx, n); err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	dm.log.Info("node registered", "node_id", node.ID, "instance", node.Instance)
	return node, nil
}

// InsertWithID stores a node under an id chosen elsewhere (an agent that
// already carries one). The allocator sequence is moved past id so later
// registrations cannot collide with it.
func (dm *DatabaseManager) InsertWithID(id int64, instance, displayName string) (*models.Node, error) {
	if id <= 0 {
		return nil, fmt.Errorf("invalid node id %d", id)
	}
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return nil, fmt.Errorf("instance is required")
	}

	var node *models.Node
	err := dm.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get(itob(uint64(id))) != nil {
			return fmt.Errorf("node %d: %w", id, ErrIdentityExists)
		}
		n := newNode(id, instance, displayName, dm.clock.Now().UTC())
		if err := insertNode(tx, n); err != nil {
			return err
		}
		if uint64(id) > b.Sequence() {
			if err := b.SetSequence(uint64(id)); err != nil {
				return err
			}
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// CreateNode stores a fully specified node under a freshly allocated id.
// The ID field of n is ignored and overwritten.
func (dm *DatabaseManager) CreateNode(n *models.Node) (*models.Node, error) {
	n.Normalize()
	if n.Instance == "" {
		return nil, fmt.Errorf("instance is required")
	}
	if n.DisplayName == "" {
		n.DisplayName = n.Instance
	}

	err := dm.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket(bucketNodes).NextSequence()
		if err != nil {
			return err
		}
		now := dm.clock.Now().UTC()
		n.ID = int64(seq)
		n.CreatedAt = now
		n.UpdatedAt = now
		return insertNode(tx, n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetNode looks a node up by id
func (dm *DatabaseManager) GetNode(id int64) (*models.Node, error) {
	var node *models.Node
	err := dm.db.View(func(tx *bbolt.Tx) error {
		n, err := getNode(tx, id)
		node = n
		return err
	})
	return node, err
}

// GetNodeByInstance looks a node up by its current instance name
func (dm *DatabaseManager) GetNodeByInstance(instance string) (*models.Node, error) {
	var node *models.Node
	err := dm.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketNodesByInstance).Get([]byte(instance))
		if v == nil {
			return fmt.Errorf("instance %q: %w", instance, ErrNotFound)
		}
		n, err := getNode(tx, int64(btoi(v)))
		node = n
		return err
	})
	return node, err
}

// Rebind points node id at a new instance name. Rebinding to the current
// name is a no-op; a name held by another node is rejected with
// ErrIdentityConflict and nothing is written.
func (dm *DatabaseManager) Rebind(id int64, instance string) (bool, error) {
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return false, fmt.Errorf("instance is required")
	}

	changed := false
	err := dm.db.Update(func(tx *bbolt.Tx) error {
		n, err := getNode(tx, id)
		if err != nil {
			return err
		}
		if n.Instance == instance {
			return nil
		}
		if err := moveInstance(tx, n, instance); err != nil {
			return err
		}
		n.UpdatedAt = dm.clock.Now().UTC()
		changed = true
		return putNode(tx, n)
	})
	return changed, err
}

// UpdateNode applies a partial edit
func (dm *DatabaseManager) UpdateNode(id int64, patch models.NodePatch) (*models.Node, error) {
	var node *models.Node
	err := dm.db.Update(func(tx *bbolt.Tx) error {
		n, err := getNode(tx, id)
		if err != nil {
			return err
		}
		if patch.Instance != nil {
			instance := strings.TrimSpace(*patch.Instance)
			if instance == "" {
				return fmt.Errorf("instance is required")
			}
			if instance != n.Instance {
				if err := moveInstance(tx, n, instance); err != nil {
					return err
				}
			}
		}
		patch.Apply(n)
		n.UpdatedAt = dm.clock.Now().UTC()
		node = n
		return putNode(tx, n)
	})
	return node, err
}

// DeleteNode removes the node and its index entry, returning the removed
// row. Baselines and history that mention it are kept.
func (dm *DatabaseManager) DeleteNode(id int64) (*models.Node, error) {
	var node *models.Node
	err := dm.db.Update(func(tx *bbolt.Tx) error {
		n, err := getNode(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketNodesByInstance).Delete([]byte(n.Instance)); err != nil {
			return err
		}
		node = n
		return tx.Bucket(bucketNodes).Delete(itob(uint64(id)))
	})
	if err != nil {
		return nil, err
	}
	dm.log.Info("node deleted", "node_id", node.ID, "instance", node.Instance)
	return node, nil
}

// ListNodes returns every node ordered by sort order, then id
func (dm *DatabaseManager) ListNodes() ([]*models.Node, error) {
	return dm.listNodes(func(*models.Node) bool { return true })
}

// NodesDueOn returns the nodes whose billing cycle resets on day
func (dm *DatabaseManager) NodesDueOn(day int) ([]*models.Node, error) {
	return dm.listNodes(func(n *models.Node) bool { return n.ResetDay == day })
}

func (dm *DatabaseManager) listNodes(keep func(*models.Node) bool) ([]*models.Node, error) {
	var nodes []*models.Node
	err := dm.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n models.Node
			if err := json.Unmarshal(v, &n); err != nil {
				dm.log.Warn("skipping unreadable node record", "key", btoi(k), "error", err)
				return nil
			}
			if keep(&n) {
				nodes = append(nodes, &n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].SortOrder != nodes[j].SortOrder {
			return nodes[i].SortOrder < nodes[j].SortOrder
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

func newNode(id int64, instance, displayName string, now time.Time) *models.Node {
	if displayName == "" {
		displayName = instance
	}
	return &models.Node{
		ID:          id,
		Instance:    instance,
		DisplayName: displayName,
		ResetDay:    models.MinResetDay,
		LimitMode:   models.LimitModeDouble,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func getNode(tx *bbolt.Tx, id int64) (*models.Node, error) {
	data := tx.Bucket(bucketNodes).Get(itob(uint64(id)))
	if data == nil {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	var n models.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode node %d: %w", id, err)
	}
	return &n, nil
}

func insertNode(tx *bbolt.Tx, n *models.Node) error {
	idx := tx.Bucket(bucketNodesByInstance)
	if owner := idx.Get([]byte(n.Instance)); owner != nil {
		return fmt.Errorf("instance %q held by node %d: %w", n.Instance, btoi(owner), ErrIdentityConflict)
	}
	return putNode(tx, n)
}

// moveInstance swaps the index entry for n from its current name to
// instance and updates n in memory. The caller persists n.
func moveInstance(tx *bbolt.Tx, n *models.Node, instance string) error {
	idx := tx.Bucket(bucketNodesByInstance)
	if owner := idx.Get([]byte(instance)); owner != nil && int64(btoi(owner)) != n.ID {
		return fmt.Errorf("instance %q held by node %d: %w", instance, btoi(owner), ErrIdentityConflict)
	}
	if err := idx.Delete([]byte(n.Instance)); err != nil {
		return err
	}
	n.Instance = instance
	return nil
}

func putNode(tx *bbolt.Tx, n *models.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketNodes).Put(itob(uint64(n.ID)), data); err != nil {
		return err
	}
	return tx.Bucket(bucketNodesByInstance).Put([]byte(n.Instance), itob(uint64(n.ID)))
}
