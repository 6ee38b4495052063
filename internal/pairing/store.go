package pairing

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/config"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/util"
)

const (
	devicesDir  = "devices"
	pendingFile = "pending.json"
	pairedFile  = "paired.json"
)

// Store keeps pending pairing requests and paired devices in two JSON
// tables under <stateDir>/devices. Every operation runs a full
// read-modify-persist cycle under mu, so a CLI approval and a bridge
// re-request can never lose each other's writes.
type Store struct {
	mu          sync.Mutex
	pendingPath string
	pairedPath  string
	ttl         time.Duration
	now         func() time.Time
	notifier    Notifier
}

type Option func(*Store)

// WithTTL overrides how long a pending request stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock injects the time source used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithNotifier registers the receiver of pairing transitions.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func NewStore(stateDir string, opts ...Option) *Store {
	dir := filepath.Join(stateDir, devicesDir)
	s := &Store{
		pendingPath: filepath.Join(dir, pendingFile),
		pairedPath:  filepath.Join(dir, pairedFile),
		ttl:         config.PendingPairingTTL,
		now:         time.Now,
		notifier:    nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type tables struct {
	pending map[string]model.PendingRequest
	paired  map[string]model.PairedDevice
	expired int
}

// load reads both tables and drops pending requests older than the TTL.
// Must be called with mu held.
func (s *Store) load() *tables {
	t := &tables{
		pending: make(map[string]model.PendingRequest),
		paired:  make(map[string]model.PairedDevice),
	}

	if ok, _ := util.ReadJSONFile(s.pendingPath, &t.pending); !ok || t.pending == nil {
		t.pending = make(map[string]model.PendingRequest)
	}
	if ok, _ := util.ReadJSONFile(s.pairedPath, &t.paired); !ok || t.paired == nil {
		t.paired = make(map[string]model.PairedDevice)
	}

	cutoff := s.now().Add(-s.ttl).UnixMilli()
	for id, req := range t.pending {
		if req.CreatedAtMs < cutoff {
			delete(t.pending, id)
			t.expired++
		}
	}
	return t
}

// persist writes both tables, paired first: if the second write fails an
// approved request is still pending and can be approved again. Must be
// called with mu held.
func (s *Store) persist(t *tables) error {
	if err := util.WriteJSONAtomic(s.pairedPath, t.paired, config.PairingFileMode); err != nil {
		return fmt.Errorf("write paired device table: %w", err)
	}
	if err := util.WriteJSONAtomic(s.pendingPath, t.pending, config.PairingFileMode); err != nil {
		return fmt.Errorf("write pending pairing table: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) (model.PairingList, error) {
	if err := ctx.Err(); err != nil {
		return model.PairingList{}, err
	}

	s.mu.Lock()
	t := s.load()
	s.mu.Unlock()

	list := model.PairingList{
		Pending: make([]model.PendingRequest, 0, len(t.pending)),
		Paired:  make([]model.PairedDevice, 0, len(t.paired)),
	}
	for _, req := range t.pending {
		list.Pending = append(list.Pending, req)
	}
	for _, dev := range t.paired {
		list.Paired = append(list.Paired, dev)
	}
	sort.Slice(list.Pending, func(i, j int) bool {
		return list.Pending[i].CreatedAtMs > list.Pending[j].CreatedAtMs
	})
	sort.Slice(list.Paired, func(i, j int) bool {
		return list.Paired[i].ApprovedAtMs > list.Paired[j].ApprovedAtMs
	})
	return list, nil
}

// Request records a pairing request for info.DeviceID. A second request
// for the same device before approval returns the existing record with
// Created=false.
func (s *Store) Request(ctx context.Context, info model.DeviceInfo) (model.RequestResult, error) {
	if err := ctx.Err(); err != nil {
		return model.RequestResult{}, err
	}
	deviceID := strings.TrimSpace(info.DeviceID)
	if deviceID == "" {
		return model.RequestResult{}, fmt.Errorf("pairing request: deviceId is required")
	}

	s.mu.Lock()
	t := s.load()

	for _, req := range t.pending {
		if req.DeviceID == deviceID {
			s.mu.Unlock()
			s.notifier.PairingRequested(req, false)
			return model.RequestResult{Request: req, Created: false}, nil
		}
	}

	_, isRepair := t.paired[deviceID]
	req := model.PendingRequest{
		RequestID:   uuid.New().String(),
		DeviceID:    deviceID,
		PublicKey:   info.PublicKey,
		DisplayName: info.DisplayName,
		Platform:    info.Platform,
		Version:     info.Version,
		Scopes:      info.Scopes,
		RemoteIP:    info.RemoteIP,
		IsRepair:    isRepair,
		CreatedAtMs: s.now().UnixMilli(),
	}
	t.pending[req.RequestID] = req

	if err := s.persist(t); err != nil {
		s.mu.Unlock()
		return model.RequestResult{}, fmt.Errorf("pairing request for device %s: %w", deviceID, err)
	}
	s.mu.Unlock()

	log.Info().
		Str("requestId", req.RequestID).
		Str("deviceId", deviceID).
		Bool("repair", isRepair).
		Msg("pairing requested")

	s.notifier.PairingRequested(req, true)
	return model.RequestResult{Request: req, Created: true}, nil
}

// Approve converts the pending request into a paired device with a fresh
// token. It returns nil when the request is unknown or expired. On repair
// the device's original CreatedAtMs survives.
func (s *Store) Approve(ctx context.Context, requestID string) (*model.PairedDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t := s.load()

	req, ok := t.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}

	token, err := util.GenerateToken()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("approve request %s: generate token: %w", requestID, err)
	}

	createdAt := req.CreatedAtMs
	if existing, ok := t.paired[req.DeviceID]; ok && existing.CreatedAtMs > 0 {
		createdAt = existing.CreatedAtMs
	}

	device := model.PairedDevice{
		DeviceID:     req.DeviceID,
		PublicKey:    req.PublicKey,
		DisplayName:  req.DisplayName,
		Platform:     req.Platform,
		Version:      req.Version,
		Scopes:       req.Scopes,
		RemoteIP:     req.RemoteIP,
		Token:        token,
		CreatedAtMs:  createdAt,
		ApprovedAtMs: s.now().UnixMilli(),
	}
	delete(t.pending, requestID)
	t.paired[device.DeviceID] = device

	if err := s.persist(t); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("approve request %s for device %s: %w", requestID, req.DeviceID, err)
	}
	s.mu.Unlock()

	log.Info().
		Str("requestId", requestID).
		Str("deviceId", device.DeviceID).
		Msg("pairing approved")

	s.notifier.PairingApproved(device, requestID)
	return &device, nil
}

// Reject deletes a pending request. It returns nil when the request is
// unknown or expired.
func (s *Store) Reject(ctx context.Context, requestID string) (*model.RejectResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t := s.load()

	req, ok := t.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	delete(t.pending, requestID)

	if err := s.persist(t); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("reject request %s for device %s: %w", requestID, req.DeviceID, err)
	}
	s.mu.Unlock()

	result := model.RejectResult{RequestID: requestID, DeviceID: req.DeviceID}
	log.Info().
		Str("requestId", requestID).
		Str("deviceId", req.DeviceID).
		Msg("pairing rejected")

	s.notifier.PairingRejected(result)
	return &result, nil
}

func (s *Store) GetPaired(ctx context.Context, deviceID string) (*model.PairedDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t := s.load()
	s.mu.Unlock()

	device, ok := t.paired[deviceID]
	if !ok {
		return nil, nil
	}
	return &device, nil
}

// VerifyToken reports whether token authenticates deviceID.
func (s *Store) VerifyToken(ctx context.Context, deviceID, token string) (*model.PairedDevice, bool) {
	if token == "" {
		return nil, false
	}
	device, err := s.GetPaired(ctx, deviceID)
	if err != nil || device == nil {
		return nil, false
	}
	if !util.ConstantTimeEqual(device.Token, token) {
		return nil, false
	}
	return device, true
}

// UpdateMetadata applies patch to a paired device. It returns nil when
// the device is not paired.
func (s *Store) UpdateMetadata(ctx context.Context, deviceID string, patch model.DeviceMetadataPatch) (*model.PairedDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.load()
	device, ok := t.paired[deviceID]
	if !ok {
		return nil, nil
	}

	if patch.DisplayName != nil {
		device.DisplayName = *patch.DisplayName
	}
	if patch.Platform != nil {
		device.Platform = *patch.Platform
	}
	if patch.Version != nil {
		device.Version = *patch.Version
	}
	if patch.RemoteIP != nil {
		device.RemoteIP = *patch.RemoteIP
	}
	if patch.Scopes != nil {
		device.Scopes = patch.Scopes
	}
	t.paired[deviceID] = device

	if err := s.persist(t); err != nil {
		return nil, fmt.Errorf("update metadata for device %s: %w", deviceID, err)
	}
	return &device, nil
}

// PurgeExpired persists the removal of expired pending requests. Expiry
// is already applied lazily on every load; this only keeps the file tidy.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.load()
	if t.expired == 0 {
		return 0, nil
	}
	if err := s.persist(t); err != nil {
		return 0, fmt.Errorf("purge expired pairing requests: %w", err)
	}
	return int64(t.expired), nil
}
