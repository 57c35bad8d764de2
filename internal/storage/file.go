package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gatebot/pkg/logx"
)

// fileStore is a file-backed persistence backend.
//
// Files:
//   - <prefix>.snapshot.json  (periodic full-state snapshot)
//   - <prefix>.journal.jsonl  (append-only journal of mutations)
//   - <prefix>.joinlog.jsonl  (append-only join log)
//
// The journal is replayed over the snapshot at open and compacted into a
// fresh snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	joinLogPath  string
	joinLogFile  *os.File

	state  fileState
	writes int
}

const compactEvery = 1000

type fileState struct {
	Pending  map[string]JoinRequest `json:"pending"` // key: "<user>/<channel>"
	Resolved []JoinRequest          `json:"resolved,omitempty"`
	Channels map[int64]Channel      `json:"channels"`
	Messages map[string]Content     `json:"messages"` // key: "<channel>/<kind>"
	Schedule ScheduleState          `json:"schedule"`
}

func newFileState() fileState {
	return fileState{
		Pending:  map[string]JoinRequest{},
		Channels: map[int64]Channel{},
		Messages: map[string]Content{},
	}
}

// journalRecord is a single replayable mutation.
type journalRecord struct {
	Op string `json:"op"`

	Request  *JoinRequest   `json:"request,omitempty"`
	Keys     []RequestKey   `json:"keys,omitempty"`
	Status   RequestStatus  `json:"status,omitempty"`
	At       time.Time      `json:"at,omitempty"`
	Channel  *Channel       `json:"channel,omitempty"`
	ChanID   int64          `json:"chan_id,omitempty"`
	Kind     MessageKind    `json:"kind,omitempty"`
	Content  *Content       `json:"content,omitempty"`
	Schedule *ScheduleState `json:"schedule,omitempty"`
}

const (
	opUpsertPending = "upsert_pending"
	opResolve       = "resolve"
	opPutMessage    = "put_message"
	opDelMessage    = "del_message"
	opPutChannel    = "put_channel"
	opDelChannel    = "del_channel"
	opSchedule      = "schedule"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	joinLogPath := prefix + ".joinlog.jsonl"

	state := newFileState()
	_ = loadSnapshot(snapPath, &state)
	_ = replayJournal(journalPath, &state)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	lf, err := os.OpenFile(joinLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		joinLogPath:  joinLogPath,
		joinLogFile:  lf,
		state:        state,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.joinLogFile != nil {
		err2 = s.joinLogFile.Close()
		s.joinLogFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func pendingKey(k RequestKey) string {
	return strconv.FormatInt(k.UserID, 10) + "/" + strconv.FormatInt(k.ChannelID, 10)
}

func messageKey(channelID int64, kind MessageKind) string {
	return strconv.FormatInt(channelID, 10) + "/" + string(kind)
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("snapshot compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) UpsertPending(ctx context.Context, r JoinRequest) error {
	_ = ctx
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.RequestedAt
	}
	r.Status = StatusPending

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendingKey(r.Key())
	if prev, ok := s.state.Pending[key]; ok {
		// repeat request keeps its place in line
		r.RequestedAt = prev.RequestedAt
	}
	applyUpsert(&s.state, r)
	return s.appendLocked(journalRecord{Op: opUpsertPending, Request: &r})
}

func (s *fileStore) ListPending(ctx context.Context) ([]JoinRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JoinRequest, 0, len(s.state.Pending))
	for _, r := range s.state.Pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *fileStore) ResolveRequests(ctx context.Context, keys []RequestKey, status RequestStatus, resolvedAt time.Time) error {
	_ = ctx
	if len(keys) == 0 {
		return nil
	}
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	applyResolve(&s.state, keys, status, resolvedAt)
	return s.appendLocked(journalRecord{Op: opResolve, Keys: keys, Status: status, At: resolvedAt})
}

func (s *fileStore) PutMessage(ctx context.Context, channelID int64, kind MessageKind, c Content) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Messages[messageKey(channelID, kind)] = c
	return s.appendLocked(journalRecord{Op: opPutMessage, ChanID: channelID, Kind: kind, Content: &c})
}

func (s *fileStore) GetMessage(ctx context.Context, channelID int64, kind MessageKind) (Content, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Messages[messageKey(channelID, kind)]
	if !ok {
		return Content{}, ErrNotFound
	}
	return c, nil
}

func (s *fileStore) DeleteMessage(ctx context.Context, channelID int64, kind MessageKind) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Messages, messageKey(channelID, kind))
	return s.appendLocked(journalRecord{Op: opDelMessage, ChanID: channelID, Kind: kind})
}

func (s *fileStore) PutChannel(ctx context.Context, ch Channel) error {
	_ = ctx
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.state.Channels[ch.ID]; ok {
		ch.AddedAt = prev.AddedAt
	}
	s.state.Channels[ch.ID] = ch
	return s.appendLocked(journalRecord{Op: opPutChannel, Channel: &ch})
}

func (s *fileStore) DeleteChannel(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	applyDelChannel(&s.state, id)
	return s.appendLocked(journalRecord{Op: opDelChannel, ChanID: id})
}

func (s *fileStore) ListChannels(ctx context.Context) ([]Channel, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0, len(s.state.Channels))
	for _, ch := range s.state.Channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) GetScheduleState(ctx context.Context) (ScheduleState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Schedule, nil
}

func (s *fileStore) PutScheduleState(ctx context.Context, st ScheduleState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Schedule = st
	return s.appendLocked(journalRecord{Op: opSchedule, Schedule: &st})
}

func (s *fileStore) AppendJoinLog(ctx context.Context, e JoinLogEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinLogFile == nil {
		return errors.New("join log closed")
	}
	return json.NewEncoder(s.joinLogFile).Encode(e)
}

func (s *fileStore) RecentJoinLog(ctx context.Context, limit int) ([]JoinLogEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	path := s.joinLogPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// The log is append-only; keep a rolling tail while scanning.
	var tail []JoinLogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e JoinLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		tail = append(tail, e)
		if len(tail) > limit {
			tail = tail[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	// newest first
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Pending == nil {
		st.Pending = map[string]JoinRequest{}
	}
	if st.Channels == nil {
		st.Channels = map[int64]Channel{}
	}
	if st.Messages == nil {
		st.Messages = map[string]Content{}
	}
	*out = st
	return nil
}

func replayJournal(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		applyRecord(st, rec)
	}
	return sc.Err()
}

func applyRecord(st *fileState, rec journalRecord) {
	switch rec.Op {
	case opUpsertPending:
		if rec.Request != nil {
			applyUpsert(st, *rec.Request)
		}
	case opResolve:
		applyResolve(st, rec.Keys, rec.Status, rec.At)
	case opPutMessage:
		if rec.Content != nil {
			st.Messages[messageKey(rec.ChanID, rec.Kind)] = *rec.Content
		}
	case opDelMessage:
		delete(st.Messages, messageKey(rec.ChanID, rec.Kind))
	case opPutChannel:
		if rec.Channel != nil {
			st.Channels[rec.Channel.ID] = *rec.Channel
		}
	case opDelChannel:
		applyDelChannel(st, rec.ChanID)
	case opSchedule:
		if rec.Schedule != nil {
			st.Schedule = *rec.Schedule
		}
	}
}

func applyUpsert(st *fileState, r JoinRequest) {
	key := pendingKey(r.Key())
	if prev, ok := st.Pending[key]; ok {
		r.RequestedAt = prev.RequestedAt
	}
	r.Status = StatusPending
	st.Pending[key] = r
}

// applyResolve moves entries out of the pending view. Resolved requests are
// retained in the state for audit, matching the sqlite driver.
func applyResolve(st *fileState, keys []RequestKey, status RequestStatus, at time.Time) {
	for _, k := range keys {
		key := pendingKey(k)
		r, ok := st.Pending[key]
		if !ok {
			continue
		}
		delete(st.Pending, key)
		r.Status = status
		r.ResolvedAt = at
		r.UpdatedAt = at
		st.Resolved = append(st.Resolved, r)
	}
}

func applyDelChannel(st *fileState, id int64) {
	delete(st.Channels, id)
	delete(st.Messages, messageKey(id, KindWelcome))
	delete(st.Messages, messageKey(id, KindScheduled))
}
