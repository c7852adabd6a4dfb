// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package memory is an in-memory Store intended for tests and local
// iteration, grounded on the teacher's MemoryStore (deep-copy-on-read/write,
// snapshot-then-iterate scans). Not durable; not suitable for production.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	identities map[string]*model.Identity
	workers    map[string]*model.Worker
	jobs       map[string]*model.Job
	logs       map[string][]model.LogChunk
	downlink   map[string][]*model.DownlinkMessage
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		identities: make(map[string]*model.Identity),
		workers:    make(map[string]*model.Worker),
		jobs:       make(map[string]*model.Job),
		logs:       make(map[string][]model.LogChunk),
		downlink:   make(map[string][]*model.DownlinkMessage),
	}
}

func (s *Store) Close() error { return nil }

// --- Identity ---

func (s *Store) IdentityPut(ctx context.Context, id *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := *id
	cpy.AllowedCIDRs = append([]string(nil), id.AllowedCIDRs...)
	s.identities[id.ClientID] = &cpy
	return nil
}

func (s *Store) IdentityGet(ctx context.Context, clientID string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cpy := *id
	cpy.AllowedCIDRs = append([]string(nil), id.AllowedCIDRs...)
	return &cpy, nil
}

func (s *Store) IdentityDelete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[clientID]; !ok {
		return store.ErrNotFound
	}
	delete(s.identities, clientID)
	return nil
}

func (s *Store) IdentitiesAll(ctx context.Context) ([]*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		cpy := *id
		cpy.AllowedCIDRs = append([]string(nil), id.AllowedCIDRs...)
		out = append(out, &cpy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// --- Worker ---

func (s *Store) WorkerRegister(ctx context.Context, workerID string, intervalS int, version string, binaries, variables []string, transportChoice string, now time.Time) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		w = &model.Worker{WorkerID: workerID, RegisteredAt: now}
		s.workers[workerID] = w
	}
	w.Status = model.WorkerOnline
	w.LastSeenAt = now
	w.RegistrationIntervalS = intervalS
	w.Version = version
	w.AdvertisedBinaries = append([]string(nil), binaries...)
	w.AdvertisedVariables = append([]string(nil), variables...)
	w.TransportChoice = transportChoice

	cpy := *w
	return &cpy, nil
}

func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrUnknownWorker
	}
	w.LastSeenAt = now
	return nil
}

func (s *Store) WorkerMarkOffline(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil // idempotent: marking an unknown worker offline is a no-op
	}
	w.Status = model.WorkerOffline
	return nil
}

func (s *Store) WorkerGet(ctx context.Context, workerID string) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cpy := *w
	cpy.RunningJobIDs = s.runningJobIDsLocked(workerID)
	return &cpy, nil
}

func (s *Store) WorkersOnline(ctx context.Context) ([]*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Worker
	for _, w := range s.workers {
		if w.Status != model.WorkerOnline {
			continue
		}
		cpy := *w
		cpy.RunningJobIDs = s.runningJobIDsLocked(w.WorkerID)
		out = append(out, &cpy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// WorkersAll returns every known worker row regardless of status, used by
// the janitor's S4 sweep to decide whether a pending job ever had an
// eligible worker (a worker's advertised binaries/variables survive it
// going offline, since Workers are never deleted, only marked offline).
func (s *Store) WorkersAll(ctx context.Context) ([]*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cpy := *w
		cpy.RunningJobIDs = s.runningJobIDsLocked(w.WorkerID)
		out = append(out, &cpy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *Store) WorkersStaleSince(ctx context.Context, threshold time.Time) ([]*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Worker
	for _, w := range s.workers {
		if w.Status != model.WorkerOnline {
			continue
		}
		if w.LastSeenAt.Before(threshold) {
			cpy := *w
			cpy.RunningJobIDs = s.runningJobIDsLocked(w.WorkerID)
			out = append(out, &cpy)
		}
	}
	return out, nil
}

// runningJobIDsLocked returns the jobs currently assigned to or running on
// workerID. Callers must hold s.mu.
func (s *Store) runningJobIDsLocked(workerID string) []string {
	var ids []string
	for _, j := range s.jobs {
		if j.AssigneeID != workerID {
			continue
		}
		if j.State == model.JobAssigned || j.State == model.JobRunning || j.State == model.JobCanceling {
			ids = append(ids, j.JobID)
		}
	}
	sort.Strings(ids)
	return ids
}

// --- Job ---

func (s *Store) JobsSubmit(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return store.ErrConflict
	}
	cpy := cloneJob(job)
	s.jobs[job.JobID] = cpy
	return nil
}

// JobsAssignOne implements the atomic scheduling primitive (§4.4): oldest
// pending jobs first (ULIDs sort by creation time), eligibility filtering,
// then tie-break by fewest running jobs, most-recently-seen, lexicographic
// worker_id. The random-shuffle tiebreak original_source applies on top of
// last_seen is folded away in favor of the deterministic worker_id key: once
// running-count and last_seen are equal, lexicographic order is enough to
// resolve the tie reproducibly, which the concurrency property tests (§8
// item 7) depend on.
func (s *Store) JobsAssignOne(ctx context.Context, allowedBinaries []string, now time.Time) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]struct{}, len(allowedBinaries))
	for _, b := range allowedBinaries {
		allowed[b] = struct{}{}
	}

	var pending []*model.Job
	for _, j := range s.jobs {
		if j.State != model.JobPending {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[j.Binary]; !ok {
				continue
			}
		}
		pending = append(pending, j)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].JobID < pending[j].JobID })

	online := make([]*model.Worker, 0)
	for _, w := range s.workers {
		if w.Status == model.WorkerOnline {
			online = append(online, w)
		}
	}

	for _, job := range pending {
		var eligible []*model.Worker
		for _, w := range online {
			if !w.AdvertisesBinary(job.Binary) {
				continue
			}
			if !w.AdvertisesAllVariables(job.RequiredVariables) {
				continue
			}
			eligible = append(eligible, w)
		}
		if len(eligible) == 0 {
			continue
		}

		running := make(map[string]int, len(eligible))
		for _, w := range eligible {
			running[w.WorkerID] = len(s.runningJobIDsLocked(w.WorkerID))
		}
		sort.Slice(eligible, func(i, j int) bool {
			wi, wj := eligible[i], eligible[j]
			if running[wi.WorkerID] != running[wj.WorkerID] {
				return running[wi.WorkerID] < running[wj.WorkerID]
			}
			if !wi.LastSeenAt.Equal(wj.LastSeenAt) {
				return wi.LastSeenAt.After(wj.LastSeenAt)
			}
			return wi.WorkerID < wj.WorkerID
		})

		chosen := eligible[0]
		job.State = model.JobAssigned
		job.AssigneeID = chosen.WorkerID
		job.AssignedAt = now
		job.StateEnteredAt = now
		return job.JobID, chosen.WorkerID, nil
	}

	return "", "", nil
}

func (s *Store) JobTransition(ctx context.Context, jobID string, from []model.JobState, to model.JobState, now time.Time, mutate func(*model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.State.IsTerminal() {
		return store.ErrConflict
	}
	if !stateIn(job.State, from) {
		return store.ErrConflict
	}
	job.State = to
	job.StateEnteredAt = now
	if mutate != nil {
		mutate(job)
	}
	return nil
}

func stateIn(s model.JobState, set []model.JobState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Store) JobGet(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) JobHeartbeat(ctx context.Context, jobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if !stateIn(job.State, []model.JobState{model.JobAssigned, model.JobRunning, model.JobCanceling}) {
		return store.ErrConflict
	}
	if now.After(job.LastHeartbeatAt) { // I4: monotonically nondecreasing
		job.LastHeartbeatAt = now
	}
	return nil
}

func (s *Store) JobClientHeartbeat(ctx context.Context, jobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if now.After(job.LastClientHeartbeat) {
		job.LastClientHeartbeat = now
	}
	return nil
}

func (s *Store) JobAppendLog(ctx context.Context, jobID string, lines []model.LogChunk) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return 0, 0, store.ErrNotFound
	}
	existing := s.logs[jobID]
	next := int64(len(existing)) // I5: seq is dense starting at 0
	first := next
	for _, line := range lines {
		line.JobID = jobID
		line.Seq = next
		existing = append(existing, line)
		next++
	}
	s.logs[jobID] = existing
	return first, next - 1, nil
}

func (s *Store) JobLogs(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]model.LogChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logs[jobID]
	var out []model.LogChunk
	for _, l := range all {
		if l.Seq < sinceSeq {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) JobsQuery(ctx context.Context, filter store.JobFilter, limit int) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, j := range s.jobs {
		if filter.SubmitterID != "" && j.SubmitterID != filter.SubmitterID {
			continue
		}
		if filter.AssigneeID != "" && j.AssigneeID != filter.AssigneeID {
			continue
		}
		if len(filter.States) > 0 && !stateIn(j.State, filter.States) {
			continue
		}
		if !filter.Since.IsZero() && j.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && j.CreatedAt.After(filter.Until) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) JobsInStateOlderThan(ctx context.Context, states []model.JobState, field store.JanitorTimeField, threshold time.Time) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, j := range s.jobs {
		if !stateIn(j.State, states) {
			continue
		}
		var t time.Time
		switch field {
		case store.FieldAssignedAt:
			t = j.AssignedAt
		case store.FieldLastHeartbeatAt:
			t = j.LastHeartbeatAt
		case store.FieldLastClientHeartbeatAt:
			t = j.LastClientHeartbeat
		case store.FieldCreatedAt:
			t = j.CreatedAt
		case store.FieldStateEnteredAt:
			t = j.StateEnteredAt
		}
		if !t.IsZero() && t.Before(threshold) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// --- Downlink ---

func (s *Store) DownlinkEnqueue(ctx context.Context, msg *model.DownlinkMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := *msg
	s.downlink[msg.RecipientID] = append(s.downlink[msg.RecipientID], &cpy)
	return nil
}

func (s *Store) DownlinkDrain(ctx context.Context, recipientID string, max int) ([]*model.DownlinkMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.downlink[recipientID]
	if len(queue) == 0 {
		return nil, nil
	}
	n := len(queue)
	if max > 0 && n > max {
		n = max
	}
	drained := queue[:n]
	s.downlink[recipientID] = queue[n:]
	out := make([]*model.DownlinkMessage, n)
	copy(out, drained)
	return out, nil
}

func cloneJob(j *model.Job) *model.Job {
	cpy := *j
	cpy.Argv = append([]model.ArgvToken(nil), j.Argv...)
	cpy.RequiredVariables = append([]string(nil), j.RequiredVariables...)
	if j.ExitCode != nil {
		code := *j.ExitCode
		cpy.ExitCode = &code
	}
	return &cpy
}
