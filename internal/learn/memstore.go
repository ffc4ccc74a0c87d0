package learn

import (
	"errors"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and ephemeral runs. All methods
// are safe for concurrent use; the upsert comparison runs under the lock.
type MemStore struct {
	mu          sync.Mutex
	assessments map[string]*QualityAssessment
	best        map[string]*WorkflowParameterSet
	failures    []*FailedWorkflow
	corrections []*CorrectionRecord
	alerts      []*PerformanceAlert
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		assessments: make(map[string]*QualityAssessment),
		best:        make(map[string]*WorkflowParameterSet),
	}
}

func (s *MemStore) SaveAssessment(a *QualityAssessment) error {
	if a == nil {
		return errors.New("assessment is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	now := nowUTC()
	if existing, ok := s.assessments[a.PromptID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.assessments[a.PromptID] = &cp
	return nil
}

func (s *MemStore) GetAssessment(promptID string) (*QualityAssessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assessments[promptID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) UpsertBest(promptHash string, params map[string]any, score float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.best[promptHash]
	if !ok {
		s.best[promptHash] = &WorkflowParameterSet{
			PromptHash:   promptHash,
			Parameters:   copyParams(params),
			QualityScore: score,
			SampleCount:  1,
			UpdatedAt:    nowUTC(),
		}
		return true, nil
	}
	existing.SampleCount++
	existing.UpdatedAt = nowUTC()
	if score <= existing.QualityScore {
		// Losing write is a silent no-op on the best-known fields.
		return false, nil
	}
	existing.Parameters = copyParams(params)
	existing.QualityScore = score
	return true, nil
}

func (s *MemStore) BestParameters(promptHash string) (*WorkflowParameterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.best[promptHash]
	if !ok {
		return nil, nil
	}
	cp := *existing
	cp.Parameters = copyParams(existing.Parameters)
	return &cp, nil
}

func (s *MemStore) RecordFailure(promptHash string, params map[string]any, reasons []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &FailedWorkflow{
		PromptHash: promptHash,
		Parameters: copyParams(params),
		Reasons:    append([]string(nil), reasons...),
		CreatedAt:  nowUTC(),
	})
	return nil
}

func (s *MemStore) RecentFailures(promptHash string) ([]*FailedWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := nowUTC().Add(-FailedRetention)
	var out []*FailedWorkflow
	for _, f := range s.failures {
		if f.PromptHash == promptHash && f.CreatedAt.After(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemStore) SaveCorrection(rec *CorrectionRecord) error {
	if rec == nil {
		return errors.New("correction record is nil")
	}
	if rec.OriginalArtifactID == rec.CorrectedArtifactID {
		return errors.New("correction record cannot be self-referential")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.AppliedAt.IsZero() {
		cp.AppliedAt = nowUTC()
	}
	s.corrections = append(s.corrections, &cp)
	return nil
}

func (s *MemStore) CorrectionsFor(originalArtifactID string) ([]*CorrectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*CorrectionRecord
	for _, c := range s.corrections {
		if c.OriginalArtifactID == originalArtifactID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) RaiseAlert(alert *PerformanceAlert) error {
	if alert == nil {
		return errors.New("alert is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowUTC()
	}
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *MemStore) ListAlerts(limit int) ([]*PerformanceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*PerformanceAlert, 0, n)
	// Newest first.
	for i := len(s.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.alerts[i])
	}
	return out, nil
}

func (s *MemStore) PruneExpired(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64

	failedCutoff := now.Add(-FailedRetention)
	kept := s.failures[:0]
	for _, f := range s.failures {
		if f.CreatedAt.After(failedCutoff) {
			kept = append(kept, f)
		} else {
			removed++
		}
	}
	s.failures = kept

	successCutoff := now.Add(-SuccessfulRetention)
	for hash, b := range s.best {
		if !b.UpdatedAt.After(successCutoff) {
			delete(s.best, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *MemStore) Close() error { return nil }

func copyParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return cp
}
