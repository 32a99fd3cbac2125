package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/RepGraphics/panel-sub000/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServers       = []byte("servers")
	bucketNodes         = []byte("nodes")
	bucketAllocations   = []byte("allocations")
	bucketTransfers     = []byte("transfers")
	bucketBackups       = []byte("backups")
	bucketSchedules     = []byte("schedules")
	bucketScheduleTasks = []byte("schedule_tasks")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "panel.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServers,
			bucketNodes,
			bucketAllocations,
			bucketTransfers,
			bucketBackups,
			bucketSchedules,
			bucketScheduleTasks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put marshals a value into a bucket under key (upsert semantics).
func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		return b.Delete([]byte(key))
	})
}

// Server operations

func (s *BoltStore) CreateServer(server *types.Server) error {
	return s.put(bucketServers, server.ID, server)
}

func (s *BoltStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) GetServerByUUID(uuid string) (*types.Server, error) {
	var found *types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			if server.UUID == uuid {
				found = &server
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("server not found: %s: %w", uuid, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) UpdateServer(server *types.Server) error {
	return s.CreateServer(server) // Same as create (upsert)
}

func (s *BoltStore) DeleteServer(id string) error {
	return s.delete(bucketServers, id)
}

func (s *BoltStore) CountServersByNode(nodeID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			if server.NodeID == nodeID {
				count++
			}
			return nil
		})
	})
	return count, err
}

// UpdateServerStatusIf performs a compare-and-swap of the status field in a
// single transaction.
func (s *BoltStore) UpdateServerStatusIf(id string, from, to types.ServerStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server not found: %s: %w", id, ErrNotFound)
		}
		var server types.Server
		if err := json.Unmarshal(data, &server); err != nil {
			return err
		}
		if server.Status != from {
			return fmt.Errorf("server %s is %q, expected %q: %w",
				id, server.Status, from, ErrStatusConflict)
		}
		server.Status = to
		out, err := json.Marshal(&server)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

// Allocation operations

func (s *BoltStore) CreateAllocation(alloc *types.Allocation) error {
	return s.put(bucketAllocations, alloc.ID, alloc)
}

func (s *BoltStore) GetAllocation(id string) (*types.Allocation, error) {
	var alloc types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("allocation not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListAllocations() ([]*types.Allocation, error) {
	var allocs []*types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		return b.ForEach(func(k, v []byte) error {
			var alloc types.Allocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocs = append(allocs, &alloc)
			return nil
		})
	})
	return allocs, err
}

func (s *BoltStore) ListAllocationsByNode(nodeID string) ([]*types.Allocation, error) {
	allocs, err := s.ListAllocations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Allocation
	for _, alloc := range allocs {
		if alloc.NodeID == nodeID {
			filtered = append(filtered, alloc)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListAllocationsByServer(serverID string) ([]*types.Allocation, error) {
	allocs, err := s.ListAllocations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Allocation
	for _, alloc := range allocs {
		if alloc.ServerID == serverID {
			filtered = append(filtered, alloc)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateAllocation(alloc *types.Allocation) error {
	return s.CreateAllocation(alloc)
}

func (s *BoltStore) DeleteAllocation(id string) error {
	return s.delete(bucketAllocations, id)
}

// Transfer operations

func (s *BoltStore) CreateTransfer(transfer *types.Transfer) error {
	return s.put(bucketTransfers, transfer.ID, transfer)
}

func (s *BoltStore) GetTransfer(id string) (*types.Transfer, error) {
	var transfer types.Transfer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("transfer not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &transfer)
	})
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (s *BoltStore) UpdateTransfer(transfer *types.Transfer) error {
	return s.CreateTransfer(transfer)
}

func (s *BoltStore) ListTransfersByServer(serverID string) ([]*types.Transfer, error) {
	var transfers []*types.Transfer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		return b.ForEach(func(k, v []byte) error {
			var transfer types.Transfer
			if err := json.Unmarshal(v, &transfer); err != nil {
				return err
			}
			if transfer.ServerID == serverID {
				transfers = append(transfers, &transfer)
			}
			return nil
		})
	})
	return transfers, err
}

func (s *BoltStore) ActiveTransfer(serverID string) (*types.Transfer, error) {
	transfers, err := s.ListTransfersByServer(serverID)
	if err != nil {
		return nil, err
	}
	for _, transfer := range transfers {
		if !transfer.Archived {
			return transfer, nil
		}
	}
	return nil, fmt.Errorf("no active transfer for server %s: %w", serverID, ErrNotFound)
}

// Backup operations

func (s *BoltStore) CreateBackup(backup *types.Backup) error {
	return s.put(bucketBackups, backup.ID, backup)
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("backup not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) UpdateBackup(backup *types.Backup) error {
	return s.CreateBackup(backup)
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.delete(bucketBackups, id)
}

func (s *BoltStore) ListBackupsByServer(serverID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		return b.ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.ServerID == serverID {
				backups = append(backups, &backup)
			}
			return nil
		})
	})
	return backups, err
}

// Schedule operations

func (s *BoltStore) CreateSchedule(schedule *types.Schedule) error {
	return s.put(bucketSchedules, schedule.ID, schedule)
}

func (s *BoltStore) GetSchedule(id string) (*types.Schedule, error) {
	var schedule types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("schedule not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &schedule)
	})
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (s *BoltStore) UpdateSchedule(schedule *types.Schedule) error {
	return s.CreateSchedule(schedule)
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.delete(bucketSchedules, id)
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.ForEach(func(k, v []byte) error {
			var schedule types.Schedule
			if err := json.Unmarshal(v, &schedule); err != nil {
				return err
			}
			schedules = append(schedules, &schedule)
			return nil
		})
	})
	return schedules, err
}

func (s *BoltStore) ListSchedulesByServer(serverID string) ([]*types.Schedule, error) {
	schedules, err := s.ListSchedules()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Schedule
	for _, schedule := range schedules {
		if schedule.ServerID == serverID {
			filtered = append(filtered, schedule)
		}
	}
	return filtered, nil
}

// Schedule task operations

func (s *BoltStore) CreateScheduleTask(task *types.ScheduleTask) error {
	return s.put(bucketScheduleTasks, task.ID, task)
}

func (s *BoltStore) UpdateScheduleTask(task *types.ScheduleTask) error {
	return s.CreateScheduleTask(task)
}

func (s *BoltStore) DeleteScheduleTask(id string) error {
	return s.delete(bucketScheduleTasks, id)
}

func (s *BoltStore) ListTasksBySchedule(scheduleID string) ([]*types.ScheduleTask, error) {
	var tasks []*types.ScheduleTask
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduleTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.ScheduleTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.ScheduleID == scheduleID {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].SequenceID < tasks[j].SequenceID
	})
	return tasks, nil
}
