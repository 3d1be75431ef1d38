package session

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// EnvironmentStatus is the client-facing execution environment status.
type EnvironmentStatus string

const (
	EnvStarting   EnvironmentStatus = "starting"
	EnvReady      EnvironmentStatus = "ready"
	EnvUnhealthy  EnvironmentStatus = "unhealthy"
	EnvTerminated EnvironmentStatus = "terminated"
	EnvError      EnvironmentStatus = "error"
)

// EnvironmentRuntime describes the live execution environment.
type EnvironmentRuntime struct {
	ID              string            `json:"id,omitempty"`
	Status          EnvironmentStatus `json:"status"`
	StatusMessage   string            `json:"statusMessage,omitempty"`
	RestartCount    int               `json:"restartCount"`
	LastHealthCheck int64             `json:"lastHealthCheck,omitempty"`
}

// LastError is the most recent error observed on the session bus.
type LastError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RuntimeState is the derived, never-persisted runtime portion of a session.
type RuntimeState struct {
	IsLoaded             bool                `json:"isLoaded"`
	Environment          *EnvironmentRuntime `json:"environment"`
	ActiveQueryStartedAt *int64              `json:"activeQueryStartedAt,omitempty"`
	LastError            *LastError          `json:"lastError,omitempty"`
}

func (r RuntimeState) clone() RuntimeState {
	out := r
	if r.Environment != nil {
		env := *r.Environment
		out.Environment = &env
	}
	if r.ActiveQueryStartedAt != nil {
		v := *r.ActiveQueryStartedAt
		out.ActiveQueryStartedAt = &v
	}
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	return out
}

// StatusChangedPayload carries the full runtime state on status:changed.
type StatusChangedPayload struct {
	Runtime RuntimeState `json:"runtime"`
}

// OptionsUpdatePayload carries replaced session options on options:update.
type OptionsUpdatePayload struct {
	Options json.RawMessage `json:"options"`
}

// RuntimeSessionData is the client projection: the persisted snapshot fields
// plus derived blocks, subagent threads, and runtime state.
type RuntimeSessionData struct {
	storage.SessionRecord
	WorkspaceFiles []conversation.WorkspaceFile  `json:"workspaceFiles"`
	Blocks         []conversation.Block          `json:"blocks"`
	Subagents      []conversation.SubagentThread `json:"subagents"`
	Runtime        RuntimeState                  `json:"runtime"`
}

// State holds the authoritative session document. Mutations happen only
// inside bus-subscribed handlers (plus the coordinator's workspace resync);
// projections return defensive copies.
type State struct {
	logger *logger.Logger

	mu            sync.RWMutex
	record        storage.SessionRecord
	rawTranscript string
	files         []conversation.WorkspaceFile
	blocks        []conversation.Block
	subagents     []conversation.SubagentThread
	runtime       RuntimeState
	subs          []*Subscription
}

// NewState builds state from a persisted snapshot, re-deriving blocks from
// the raw transcript. A corrupted transcript yields empty blocks, never a
// load failure.
func NewState(snapshot *storage.SessionSnapshot, log *logger.Logger) *State {
	s := &State{
		logger:        log.WithComponent("session_state").WithSessionID(snapshot.ID),
		record:        snapshot.SessionRecord,
		rawTranscript: snapshot.RawTranscript,
		files:         conversation.CloneWorkspaceFiles(snapshot.WorkspaceFiles),
		runtime:       RuntimeState{IsLoaded: true},
	}

	result := transcript.Parse(snapshot.Architecture, snapshot.RawTranscript, s.logger)
	s.blocks = result.Blocks
	s.subagents = result.Subagents
	return s
}

// Attach subscribes the state's mutation handlers to the bus.
func (s *State) Attach(bus *Bus) {
	handlers := map[string]Listener{
		runner.EventBlockStart:         s.handleBlockStart,
		runner.EventBlockDelta:         s.handleBlockDelta,
		runner.EventBlockUpdate:        s.handleBlockUpdate,
		runner.EventBlockComplete:      s.handleBlockComplete,
		runner.EventMetadataUpdate:     s.handleMetadataUpdate,
		runner.EventTranscriptChanged:  s.handleTranscriptChanged,
		runner.EventFileCreated:        s.handleFileUpsert,
		runner.EventFileModified:       s.handleFileUpsert,
		runner.EventFileDeleted:        s.handleFileDeleted,
		runner.EventSubagentDiscovered: s.handleSubagentDiscovered,
		runner.EventSubagentCompleted:  s.handleSubagentCompleted,
		runner.EventOptionsUpdate:      s.handleOptionsUpdate,
		runner.EventStatusChanged:      s.handleStatusChanged,
		runner.EventError:              s.handleError,
	}
	for eventType, handler := range handlers {
		s.subs = append(s.subs, bus.Subscribe(eventType, handler))
	}
}

// Detach unsubscribes all handlers.
func (s *State) Detach() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// thread returns the block list for a conversation id, creating the subagent
// thread if needed. Caller holds s.mu.
func (s *State) thread(conversationID string) *[]conversation.Block {
	if conversationID == "" || conversationID == runner.ConversationMain {
		return &s.blocks
	}
	for i := range s.subagents {
		if s.subagents[i].ID == conversationID {
			return &s.subagents[i].Blocks
		}
	}
	s.subagents = append(s.subagents, conversation.SubagentThread{ID: conversationID})
	return &s.subagents[len(s.subagents)-1].Blocks
}

func findBlock(blocks []conversation.Block, id string) *conversation.Block {
	for i := range blocks {
		if blocks[i].ID == id {
			return &blocks[i]
		}
	}
	return nil
}

func (s *State) handleBlockStart(event *runner.Event) {
	var payload runner.BlockStartPayload
	if err := event.DecodePayload(&payload); err != nil {
		s.logger.Warn("undecodable block:start payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := s.thread(event.Context.ConversationID)
	if existing := findBlock(*blocks, payload.Block.ID); existing != nil {
		*existing = *payload.Block.Clone()
		return
	}
	*blocks = append(*blocks, *payload.Block.Clone())
}

func (s *State) handleBlockDelta(event *runner.Event) {
	var payload runner.BlockDeltaPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := s.thread(event.Context.ConversationID)
	if block := findBlock(*blocks, payload.BlockID); block != nil {
		block.Content += payload.Delta
	}
}

func (s *State) handleBlockUpdate(event *runner.Event) {
	var payload runner.BlockUpdatePayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := s.thread(event.Context.ConversationID)
	block := findBlock(*blocks, payload.BlockID)
	if block == nil {
		return
	}
	if block.Type == conversation.BlockTypeToolUse && block.Status.IsTerminal() {
		s.logger.Debug("ignoring update to terminal tool_use block",
			zap.String("block_id", payload.BlockID))
		return
	}

	// Overlay only the fields present in the update; type and id are fixed.
	updated := *block.Clone()
	if err := json.Unmarshal(payload.Updates, &updated); err != nil {
		s.logger.Warn("undecodable block:update overlay", zap.Error(err))
		return
	}
	updated.ID = block.ID
	updated.Type = block.Type
	*block = updated
}

func (s *State) handleBlockComplete(event *runner.Event) {
	var payload runner.BlockCompletePayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := s.thread(event.Context.ConversationID)
	existing := findBlock(*blocks, payload.BlockID)
	if existing == nil {
		*blocks = append(*blocks, *payload.Block.Clone())
		return
	}
	if existing.Type == conversation.BlockTypeToolUse && existing.Status.IsTerminal() {
		return
	}
	final := *payload.Block.Clone()
	final.ID = existing.ID
	final.Type = existing.Type
	*existing = final
}

func (s *State) handleMetadataUpdate(event *runner.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Metadata = append(json.RawMessage(nil), event.Payload...)
}

func (s *State) handleTranscriptChanged(event *runner.Event) {
	var payload runner.TranscriptChangedPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	result := transcript.Parse(s.Architecture(), payload.Content, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.rawTranscript = payload.Content
	s.blocks = result.Blocks
	s.subagents = result.Subagents
	s.record.LastActivity = &now
}

func (s *State) handleFileUpsert(event *runner.Event) {
	var payload runner.FilePayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.files {
		if s.files[i].Path == payload.File.Path {
			s.files[i] = payload.File
			return
		}
	}
	s.files = append(s.files, payload.File)
}

func (s *State) handleFileDeleted(event *runner.Event) {
	var payload runner.FileDeletedPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.files[:0]
	for _, f := range s.files {
		if f.Path != payload.Path {
			out = append(out, f)
		}
	}
	s.files = out
}

func (s *State) handleSubagentDiscovered(event *runner.Event) {
	var payload runner.SubagentDiscoveredPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.thread(payload.Subagent.ID)
}

func (s *State) handleSubagentCompleted(event *runner.Event) {
	var payload runner.SubagentCompletedPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.blocks {
		block := &s.blocks[i]
		if block.Type == conversation.BlockTypeSubagent && block.SubagentID == payload.SubagentID {
			if !block.Status.IsTerminal() {
				block.Status = payload.Status
			}
			return
		}
	}
}

func (s *State) handleOptionsUpdate(event *runner.Event) {
	var payload OptionsUpdatePayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Options = append(json.RawMessage(nil), payload.Options...)
}

func (s *State) handleStatusChanged(event *runner.Event) {
	var payload StatusChangedPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime = payload.Runtime.clone()
}

func (s *State) handleError(event *runner.Event) {
	var payload runner.ErrorPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime.LastError = &LastError{
		Message:   payload.Message,
		Code:      payload.Code,
		Timestamp: time.Now().UTC(),
	}
}

// ReplaceWorkspaceFiles swaps the full workspace file listing. Called by the
// coordinator on each periodic sync so divergence stays bounded.
func (s *State) ReplaceWorkspaceFiles(files []conversation.WorkspaceFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = conversation.CloneWorkspaceFiles(files)
}

// Architecture returns the session's immutable architecture tag.
func (s *State) Architecture() conversation.Architecture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Architecture
}

// RawTranscript returns the current canonical transcript envelope string.
func (s *State) RawTranscript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rawTranscript
}

// WorkspaceFiles returns a copy of the tracked workspace files.
func (s *State) WorkspaceFiles() []conversation.WorkspaceFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conversation.CloneWorkspaceFiles(s.files)
}

// ToRuntimeSessionData returns the full client projection.
func (s *State) ToRuntimeSessionData() RuntimeSessionData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subagents := make([]conversation.SubagentThread, 0, len(s.subagents))
	for _, thread := range s.subagents {
		subagents = append(subagents, conversation.SubagentThread{
			ID:     thread.ID,
			Blocks: conversation.CloneBlocks(thread.Blocks),
		})
	}

	return RuntimeSessionData{
		SessionRecord:  s.record,
		WorkspaceFiles: conversation.CloneWorkspaceFiles(s.files),
		Blocks:         conversation.CloneBlocks(s.blocks),
		Subagents:      subagents,
		Runtime:        s.runtime.clone(),
	}
}

// ToPersistedListData returns the minimal persisted projection for lists.
func (s *State) ToPersistedListData() storage.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record
}

// GetRuntimeState returns a copy of the runtime portion.
func (s *State) GetRuntimeState() RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtime.clone()
}
