// Package kv is a reference Application (spec §4.3) used by tests and the
// example binary: a deterministic in-memory key-value state machine with
// per-client request deduplication. It is OUT OF SCOPE as a production
// deliverable — the core only depends on raft.Application — but adapted
// here from the teacher's pkg/kv/store.go so the example binary and the
// rafttest scenarios have something real to drive through the consensus
// core.
package kv

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/lanraft/lanraft/pkg/raft"
)

// CommandType distinguishes the two mutating operations this state machine
// supports.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command is the gob-encoded payload carried inside a raft.Command's User
// bytes for a write.
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// ReadCommand is the gob-encoded payload for a read.
type ReadCommand struct {
	Key string
}

// Response is the gob-encoded reply to both writes and reads.
type Response struct {
	Found bool
	Value []byte
}

// clientSession tracks the last request from each client for
// deduplication, grounded on the teacher's ClientSession.
type clientSession struct {
	LastRequestID uint64
	Response      Response
}

type snapshotState struct {
	Data     map[string][]byte
	Sessions map[string]*clientSession
}

// Store is an in-memory key-value raft.Application.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[string]*clientSession

	snapshots    map[uint64][]byte // encoded snapshotState, keyed by snapshot index
	lastApplied  uint64
	writesSince  uint64
	snapshotEach uint64
}

// New returns an empty Store. snapshotEach is the write-count threshold
// ProposeNewSnapshot uses to suggest a new snapshot point; 0 disables
// automatic proposals.
func New(snapshotEach uint64) *Store {
	return &Store{
		data:         make(map[string][]byte),
		sessions:     make(map[string]*clientSession),
		snapshots:    make(map[uint64][]byte),
		snapshotEach: snapshotEach,
	}
}

// EncodeSet builds the User command bytes for a Set operation.
func EncodeSet(key string, value []byte, clientID string, requestID uint64) []byte {
	return encodeCommand(Command{Type: CommandSet, Key: key, Value: value, ClientID: clientID, RequestID: requestID})
}

// EncodeDelete builds the User command bytes for a Delete operation.
func EncodeDelete(key string, clientID string, requestID uint64) []byte {
	return encodeCommand(Command{Type: CommandDelete, Key: key, ClientID: clientID, RequestID: requestID})
}

// EncodeGet builds the Read command bytes for a Get operation.
func EncodeGet(key string) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(ReadCommand{Key: key})
	return buf.Bytes()
}

func encodeCommand(cmd Command) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(cmd)
	return buf.Bytes()
}

// ProcessWrite implements raft.Application.
func (s *Store) ProcessWrite(_ context.Context, payload []byte, entryIndex uint64) ([]byte, error) {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("kv: decode write command: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID && cmd.ClientID != "" {
		return encodeResponse(session.Response), nil
	}

	var resp Response
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		resp = Response{Found: true}
	case CommandDelete:
		delete(s.data, cmd.Key)
		resp = Response{Found: true}
	default:
		return nil, fmt.Errorf("kv: unknown command type %d", cmd.Type)
	}

	if cmd.ClientID != "" {
		s.sessions[cmd.ClientID] = &clientSession{LastRequestID: cmd.RequestID, Response: resp}
	}
	s.lastApplied = entryIndex
	s.writesSince++
	return encodeResponse(resp), nil
}

// ProcessRead implements raft.Application.
func (s *Store) ProcessRead(_ context.Context, payload []byte) ([]byte, error) {
	var rc ReadCommand
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rc); err != nil {
		return nil, fmt.Errorf("kv: decode read command: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[rc.Key]
	return encodeResponse(Response{Found: ok, Value: v}), nil
}

func encodeResponse(r Response) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.Bytes()
}

// DecodeResponse is a convenience for callers holding raw response bytes
// from WriteResponse/ReadResponse.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}

// InstallSnapshot implements raft.Application.
func (s *Store) InstallSnapshot(_ context.Context, snapshotIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshotIndex <= 1 {
		s.data = make(map[string][]byte)
		s.sessions = make(map[string]*clientSession)
		s.lastApplied = snapshotIndex
		return nil
	}
	encoded, ok := s.snapshots[snapshotIndex]
	if !ok {
		return fmt.Errorf("kv: no snapshot accepted at index %d", snapshotIndex)
	}
	var st snapshotState
	if err := gob.NewDecoder(bytes.NewReader(encoded)).Decode(&st); err != nil {
		return fmt.Errorf("kv: decode snapshot %d: %w", snapshotIndex, err)
	}
	s.data = st.Data
	s.sessions = st.Sessions
	s.lastApplied = snapshotIndex
	s.writesSince = 0
	return nil
}

// SaveSnapshot implements raft.Application: it drains stream and stores the
// reassembled bytes under snapshotIndex, ready for a later InstallSnapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snapshotIndex uint64, stream raft.SnapshotStream) error {
	var buf bytes.Buffer
	for {
		chunk, more, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("kv: read snapshot chunk: %w", err)
		}
		buf.Write(chunk)
		if !more {
			break
		}
	}
	s.mu.Lock()
	s.snapshots[snapshotIndex] = buf.Bytes()
	s.mu.Unlock()
	return nil
}

// OpenSnapshot implements raft.Application. If the state machine has not
// previously materialized a snapshot at snapshotIndex, it encodes the
// current state on demand (the leader's side of a proposed snapshot).
func (s *Store) OpenSnapshot(_ context.Context, snapshotIndex uint64) (raft.SnapshotStream, error) {
	s.mu.Lock()
	encoded, ok := s.snapshots[snapshotIndex]
	if !ok {
		var buf bytes.Buffer
		st := snapshotState{Data: s.data, Sessions: s.sessions}
		if err := gob.NewEncoder(&buf).Encode(st); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("kv: encode snapshot %d: %w", snapshotIndex, err)
		}
		encoded = buf.Bytes()
		s.snapshots[snapshotIndex] = encoded
	}
	s.mu.Unlock()
	return newChunkStream(encoded, 32*1024), nil
}

// ProposeNewSnapshot implements raft.Application: an advisory hint based on
// the number of writes since the Store was created or last had a snapshot
// installed via InstallSnapshot. Proposing a snapshot point does not reset
// that count.
func (s *Store) ProposeNewSnapshot(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshotEach == 0 || s.writesSince < s.snapshotEach {
		return 0, nil
	}
	return s.lastApplied, nil
}

// DeleteSnapshotsBefore implements raft.Application.
func (s *Store) DeleteSnapshotsBefore(_ context.Context, i uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.snapshots {
		if idx < i {
			delete(s.snapshots, idx)
		}
	}
	return nil
}

// Size returns the number of keys, for tests and admin reporting.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ raft.Application = (*Store)(nil)
