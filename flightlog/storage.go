package flightlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"
)

// Store is an append-only JSON file of mission outcomes. It also keeps the
// verification records of the current process in memory so it can stand in
// for a database when none is configured.
type Store struct {
	path string

	mu            sync.RWMutex
	verifications []models.VerificationRecord
}

func NewStore(path string) *Store {
	if path == "" {
		path = "flightlog.json"
	}
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// loadInternal reads all outcomes from the file (without lock)
func (s *Store) loadInternal() ([]models.MissionOutcome, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []models.MissionOutcome{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading flight log: %v", err)
	}
	if len(data) == 0 {
		return []models.MissionOutcome{}, nil
	}

	var outcomes []models.MissionOutcome
	if err := json.Unmarshal(data, &outcomes); err != nil {
		return nil, fmt.Errorf("error unmarshaling flight log: %v", err)
	}
	return outcomes, nil
}

// Outcomes returns every recorded outcome, newest first.
func (s *Store) Outcomes() ([]models.MissionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outcomes, err := s.loadInternal()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].FinishedAt.After(outcomes[j].FinishedAt)
	})
	return outcomes, nil
}

// RecordOutcome appends the outcome to the file.
func (s *Store) RecordOutcome(_ context.Context, outcome models.MissionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes, err := s.loadInternal()
	if err != nil {
		return err
	}
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now()
	}
	outcomes = append(outcomes, outcome)

	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := utils.CreateFolder(dir); err != nil {
			return fmt.Errorf("error creating directory: %v", err)
		}
	}

	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling flight log: %v", err)
	}

	// Write through a temp file so a crash never leaves a truncated log
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("error writing flight log: %v", err)
	}
	return os.Rename(tmp, s.path)
}

// RecordVerification keeps the record in memory.
func (s *Store) RecordVerification(_ context.Context, rec models.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = int64(len(s.verifications) + 1)
	}
	s.verifications = append(s.verifications, rec)
	return nil
}

// Verifications returns the in-memory records of one mission in tick order.
func (s *Store) Verifications(missionID string) []models.VerificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.VerificationRecord{}
	for _, rec := range s.verifications {
		if rec.MissionID == missionID {
			out = append(out, rec)
		}
	}
	return out
}
