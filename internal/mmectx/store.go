package mmectx

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a lookup key has no matching UE context.
var ErrNotFound = errors.New("mmectx: not found")

// ErrExists is returned by Create when mme_ue_s1ap_id is already in use.
var ErrExists = errors.New("mmectx: mme_ue_s1ap_id already exists")

// Keys is the set of index keys a UE context may currently be
// discoverable under. Zero-valued fields mean "no key on this index".
type Keys struct {
	MMEUES1APID uint32
	IMSI        string
	GUTI        *GUTI
	ENBKey      *ENBKey
	MMETEIDS11  uint32
}

func gutiKey(g *GUTI) string {
	if g == nil {
		return ""
	}
	return fmt.Sprintf("%s-%s-%d-%d-%d", g.MCC, g.MNC, g.MMEGroupID, g.MMECode, g.MTMSI)
}

func enbKeyOf(k *ENBKey) (uint32, int, bool) {
	if k == nil {
		return 0, 0, false
	}
	return k.ENBUES1APID, k.SCTPAssocID, true
}

type enbIndexKey struct {
	enbUEID     uint32
	sctpAssocID int
}

// Store is the process-wide UE context table: one authoritative map
// keyed by mme_ue_s1ap_id, and four secondary indexes (IMSI, GUTI,
// enb_s1ap_id_key, mme_teid_s11), spec.md §4.4. There is no mme_teid_s10
// index: S10 inter-MME handover (internal/mmeapp) addresses its GTPv2-C
// peer directly by net.Addr and correlates requests/responses through
// internal/gtpv2's transaction layer, so no UE is ever discoverable by a
// local S10 TEID.
type Store struct {
	mu sync.RWMutex

	byMMEUES1APID map[uint32]*UEContext
	byIMSI        map[string]*UEContext
	byGUTI        map[string]*UEContext
	byENBKey      map[enbIndexKey]*UEContext
	byTEIDS11     map[uint32]*UEContext

	nextMMEUES1APID uint32
}

// NewStore creates an empty UE context store.
func NewStore() *Store {
	return &Store{
		byMMEUES1APID: make(map[uint32]*UEContext),
		byIMSI:        make(map[string]*UEContext),
		byGUTI:        make(map[string]*UEContext),
		byENBKey:      make(map[enbIndexKey]*UEContext),
		byTEIDS11:     make(map[uint32]*UEContext),
	}
}

// Create allocates a fresh, never-reused mme_ue_s1ap_id and registers a
// new UE context in the authoritative map. mme_ue_s1ap_id = 0 is
// reserved "invalid" (spec.md §4.4), so allocation starts at 1.
func (s *Store) Create() *UEContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.nextMMEUES1APID++
		if s.nextMMEUES1APID == 0 {
			continue // wrapped past the reserved 0 value
		}
		if _, exists := s.byMMEUES1APID[s.nextMMEUES1APID]; !exists {
			break
		}
	}
	ue := NewUEContext(s.nextMMEUES1APID)
	s.byMMEUES1APID[ue.MMEUES1APID] = ue
	return ue
}

// GetByMMEUES1APID resolves the authoritative index.
func (s *Store) GetByMMEUES1APID(id uint32) (*UEContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ue, ok := s.byMMEUES1APID[id]
	return ue, ok
}

// GetByIMSI resolves the IMSI secondary index.
func (s *Store) GetByIMSI(imsi string) (*UEContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ue, ok := s.byIMSI[imsi]
	return ue, ok
}

// GetByGUTI resolves the GUTI secondary index.
func (s *Store) GetByGUTI(g GUTI) (*UEContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ue, ok := s.byGUTI[gutiKey(&g)]
	return ue, ok
}

// GetByENBKey resolves the enb_s1ap_id_key secondary index.
func (s *Store) GetByENBKey(enbUEID uint32, sctpAssocID int) (*UEContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ue, ok := s.byENBKey[enbIndexKey{enbUEID, sctpAssocID}]
	return ue, ok
}

// GetByS11TEID resolves the mme_teid_s11 secondary index.
func (s *Store) GetByS11TEID(teid uint32) (*UEContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ue, ok := s.byTEIDS11[teid]
	return ue, ok
}

// Reindex atomically applies a change of secondary keys for an already
// authoritative UE context: update_collection_keys in spec.md §4.4. For
// every index present in newKeys, the old key is removed before the new
// one is inserted, so a UE is never discoverable simultaneously under
// two different entries on the same index and no two UEs ever
// temporarily collide on one key.
func (s *Store) Reindex(ue *UEContext, oldKeys, newKeys Keys) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldKeys.IMSI != "" {
		delete(s.byIMSI, oldKeys.IMSI)
	}
	if newKeys.IMSI != "" {
		s.byIMSI[newKeys.IMSI] = ue
	}

	if oldKeys.GUTI != nil {
		delete(s.byGUTI, gutiKey(oldKeys.GUTI))
	}
	if newKeys.GUTI != nil {
		s.byGUTI[gutiKey(newKeys.GUTI)] = ue
	}

	if enbUEID, assoc, ok := enbKeyOf(oldKeys.ENBKey); ok {
		delete(s.byENBKey, enbIndexKey{enbUEID, assoc})
	}
	if enbUEID, assoc, ok := enbKeyOf(newKeys.ENBKey); ok {
		s.byENBKey[enbIndexKey{enbUEID, assoc}] = ue
	}

	if oldKeys.MMETEIDS11 != 0 {
		delete(s.byTEIDS11, oldKeys.MMETEIDS11)
	}
	if newKeys.MMETEIDS11 != 0 {
		s.byTEIDS11[newKeys.MMETEIDS11] = ue
	}
}

// Remove destroys a UE context and removes every index entry pointing
// to it, per spec.md §4.4's "entries must be removed before the
// referent is dropped" ownership rule.
func (s *Store) Remove(ue *UEContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byMMEUES1APID, ue.MMEUES1APID)
	if ue.IMSI != "" {
		delete(s.byIMSI, ue.IMSI)
	}
	if ue.GUTI != nil {
		delete(s.byGUTI, gutiKey(ue.GUTI))
	}
	if enbUEID, assoc, ok := enbKeyOf(&ue.ENBKey); ok {
		delete(s.byENBKey, enbIndexKey{enbUEID, assoc})
	}
	if ue.Session != nil && ue.Session.MMETEIDS11 != 0 {
		delete(s.byTEIDS11, ue.Session.MMETEIDS11)
	}
}

// Len returns the number of UE contexts currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMMEUES1APID)
}

// Snapshot returns every tracked UE context, for read-only enumeration
// (internal/adminapi's UE list/status surface). The returned slice is a
// point-in-time copy of the authoritative index; each *UEContext is still
// live and must be locked before reading its mutable fields.
func (s *Store) Snapshot() []*UEContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UEContext, 0, len(s.byMMEUES1APID))
	for _, ue := range s.byMMEUES1APID {
		out = append(out, ue)
	}
	return out
}
