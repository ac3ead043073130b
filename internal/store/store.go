// Package store persists operator-facing runtime files under the instance
// state directory: a runtime status document and a snapshot of the state
// mirror. Both are plain JSON written atomically, so a crash never leaves a
// half-written file behind. Nothing here is authoritative: on restart the
// mirror is rebuilt from exchange snapshots, these files exist for humans
// and monitoring scripts.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RuntimeStatus struct {
	Symbol            string     `json:"symbol"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

type SideStatus struct {
	Position          decimal.Decimal `json:"position"`
	EntryOpenQty      decimal.Decimal `json:"entry_open_qty"`
	TakeProfitOpenQty decimal.Decimal `json:"take_profit_open_qty"`
	Phase             string          `json:"phase"`
	GridEntry         decimal.Decimal `json:"grid_entry,omitempty"`
	GridTakeProfit    decimal.Decimal `json:"grid_take_profit,omitempty"`
	PositionSyncAt    time.Time       `json:"position_sync_at"`
	OrderSyncAt       time.Time       `json:"order_sync_at"`
}

// MirrorSnapshot is the operator view of the in-memory state mirror.
type MirrorSnapshot struct {
	Symbol    string          `json:"symbol"`
	Long      SideStatus      `json:"long"`
	Short     SideStatus      `json:"short"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Store struct {
	root string
	log  *zap.Logger
	mu   sync.Mutex
}

func New(root string, log *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, log: log}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) SaveMirror(snapshot MirrorSnapshot) error {
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.mirrorPath(), snapshot)
}

func (s *Store) LoadMirror() (MirrorSnapshot, bool, error) {
	data, err := os.ReadFile(s.mirrorPath())
	if err != nil {
		if os.IsNotExist(err) {
			return MirrorSnapshot{}, false, nil
		}
		return MirrorSnapshot{}, false, err
	}
	var snapshot MirrorSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return MirrorSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) mirrorPath() string {
	return filepath.Join(s.root, "mirror.json")
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDirBestEffort(dir, path)
	return nil
}

// fsyncDirBestEffort improves rename durability across crashes; failure to
// sync the directory is logged, not returned.
func (s *Store) fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.log.Warn("state dir fsync skipped",
			zap.String("dir", dir),
			zap.String("target", path),
			zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.Warn("state dir fsync failed",
			zap.String("dir", dir),
			zap.String("target", path),
			zap.Error(err))
	}
}
