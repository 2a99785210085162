package syncroom

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Room owns the authoritative state of one collaboratively edited
// document: the affirmed records, the per-field write timestamps, the
// transient presence state, the logical clock, and the live sessions.
//
// All mutation happens under one mutex, so each inbound message is
// applied atomically end to end and the save timer can never interleave
// with a patch mid-flight. Storage i/o runs outside the mutex.

type DataChangeFunction func(room *Room)

type SessionRemovedEvent struct {
	SessionId Id
	Remaining int
}

type SessionRemovedFunction func(room *Room, event *SessionRemovedEvent)

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		SaveThrottleTimeout: 2 * time.Second,
	}
}

type RoomSettings struct {
	// trailing-edge throttle window for persistence.
	// multiple document patches inside the window collapse to a single
	// save reflecting whatever state is current at fire time.
	SaveThrottleTimeout time.Duration

	// seeds clock/state/timestamps directly, bypassing storage
	InitialSnapshot *RoomSnapshot

	// called after every document-mutating message
	DataChangeCallback DataChangeFunction
	// called after a session is removed, with the remaining count
	SessionRemovedCallback SessionRemovedFunction
}

type Room struct {
	ctx      context.Context
	roomId   string
	storage  StorageAdapter
	settings *RoomSettings

	mutex sync.Mutex
	clock int64
	// records whose existence is affirmed. a record absent from state
	// is non-existent. tombstones are realized as deletion.
	state map[string]FieldMap
	// room-clock value at the moment each field was last set by a
	// document patch. dropped together with the record on tombstone.
	timestamps map[string]map[string]int64
	// transient, non-persisted, non-timestamped presence state
	ephemeral map[string]FieldMap
	// attribution of each ephemeral record key, for wipe on disconnect
	ephemeralOwners map[string]Id
	sessions        map[Id]*Session

	savePending bool
	saveTimer   *time.Timer
	closed      bool

	// set by the room manager to track active/idle transitions
	membershipCallback func(count int)
}

// NewRoom does not touch storage. Call `Load` before exposing the room
// to callers when a storage adapter is configured.
func NewRoom(ctx context.Context, roomId string, storage StorageAdapter, settings *RoomSettings) *Room {
	room := &Room{
		ctx:             ctx,
		roomId:          roomId,
		storage:         storage,
		settings:        settings,
		state:           map[string]FieldMap{},
		timestamps:      map[string]map[string]int64{},
		ephemeral:       map[string]FieldMap{},
		ephemeralOwners: map[string]Id{},
		sessions:        map[Id]*Session{},
	}
	if settings.InitialSnapshot != nil {
		room.adoptSnapshot(settings.InitialSnapshot)
	}
	return room
}

func NewRoomWithDefaults(ctx context.Context, roomId string, storage StorageAdapter) *Room {
	return NewRoom(ctx, roomId, storage, DefaultRoomSettings())
}

func (self *Room) RoomId() string {
	return self.roomId
}

// Load adopts the persisted snapshot, if any. Load errors surface to
// the caller so that a room is never exposed half-seeded.
func (self *Room) Load(ctx context.Context) error {
	if self.storage == nil {
		return nil
	}
	snapshot, err := self.storage.Load(ctx)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.adoptSnapshot(snapshot)
	return nil
}

func (self *Room) adoptSnapshot(snapshot *RoomSnapshot) {
	adopted := snapshot.Copy()
	self.clock = adopted.Timestamp
	if adopted.State != nil {
		self.state = adopted.State
	}
	if adopted.Timestamps != nil {
		self.timestamps = adopted.Timestamps
	}
}

// GetSnapshot is a pure read of the durable structures.
// The returned snapshot never aliases live room state.
func (self *Room) GetSnapshot() *RoomSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot()
}

// locked
func (self *Room) snapshot() *RoomSnapshot {
	snapshot := &RoomSnapshot{
		Timestamp:  self.clock,
		State:      self.state,
		Timestamps: self.timestamps,
	}
	return snapshot.Copy()
}

func (self *Room) ClientCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.sessions)
}

func (self *Room) setMembershipCallback(membershipCallback func(count int)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.membershipCallback = membershipCallback
}

// HandleConnect registers a session, overwriting any prior session
// under the same session id, and wires the transport to the room's
// message and close handlers. Every session in the room, including the
// new one, gets a fresh client count. The new session gets the current
// ephemeral state of the other clients, so a late joiner immediately
// sees live presence. Document state sync is the job of whoever reads
// `GetSnapshot`, not this handshake.
func (self *Room) HandleConnect(sessionId Id, transport Transport, clientId Id) {
	session := NewSession(sessionId, clientId, transport)
	transport.OnMessage(func(data []byte) {
		self.handleSessionMessage(session, data)
	})
	transport.OnClose(func() {
		self.removeSession(session)
	})

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		transport.Close()
		return
	}
	var staleTransport Transport
	if prior, ok := self.sessions[sessionId]; ok && prior.transport != transport {
		// the overwritten transport is dead weight. closed outside the
		// mutex below. its close event no-ops because the registered
		// session changed.
		staleTransport = prior.transport
	}
	self.sessions[sessionId] = session
	count := len(self.sessions)
	membershipCallback := self.membershipCallback

	self.broadcast(NewClientCountMessage(count))
	self.sendEphemeralOfOthers(session)
	self.mutex.Unlock()

	if staleTransport != nil {
		staleTransport.Close()
	}
	glog.V(2).Infof("[r]%s connect %s count=%d\n", self.roomId, sessionId, count)
	if membershipCallback != nil {
		membershipCallback(count)
	}
}

// HandleMessage routes raw transport data for the session currently
// registered under `sessionId`. Malformed messages are dropped.
func (self *Room) HandleMessage(sessionId Id, data []byte) {
	self.mutex.Lock()
	session, ok := self.sessions[sessionId]
	self.mutex.Unlock()
	if !ok {
		return
	}
	self.handleSessionMessage(session, data)
}

func (self *Room) handleSessionMessage(session *Session, data []byte) {
	message, err := ParseClientMessage(data)
	if err != nil {
		// never crashes the room
		glog.V(2).Infof("[r]%s drop malformed message = %s\n", self.roomId, err)
		return
	}
	switch message.Type {
	case MessageTypePatch:
		self.handlePatch(session, message)
	case MessageTypeReconnect:
		self.handleReconnect(session, message)
	}
}

// handlePatch applies the patch protocol:
// document patches advance the clock by exactly one, merge field by
// field with implicit creation, and realize `_exists: false` as full
// removal. ephemeral patches merge by field overwrite with no clock,
// timestamp, or persistence effects. the sender gets an ack carrying
// the room's current clock. everyone else gets the patches tagged with
// the sender's client id.
func (self *Room) handlePatch(session *Session, message *ClientMessage) {
	hasDocument := message.hasDocumentPatches()
	hasEphemeral := message.hasEphemeralPatches()
	if !hasDocument && !hasEphemeral {
		// no ack, no broadcast, no state change
		return
	}

	self.mutex.Lock()
	if self.sessions[session.sessionId] != session {
		// a stale transport for an overwritten session
		self.mutex.Unlock()
		return
	}

	dataChanged := false
	if hasDocument {
		self.applyDocumentPatches(message.DocumentPatches)
		self.armSave()
		dataChanged = true
	}
	if hasEphemeral {
		self.applyEphemeralPatches(session.clientId, message.EphemeralPatches)
	}

	self.sendTo(session, NewAckMessage(message.MessageId, self.clock))

	var documentPatches []Patch
	var ephemeralPatches []Patch
	if hasDocument {
		documentPatches = message.DocumentPatches
	}
	if hasEphemeral {
		ephemeralPatches = message.EphemeralPatches
	}
	clientId := session.clientId
	self.broadcastExcept(session.sessionId, NewPatchMessage(&clientId, documentPatches, ephemeralPatches))

	clock := self.clock
	dataChangeCallback := self.settings.DataChangeCallback
	self.mutex.Unlock()

	if dataChanged {
		glog.V(2).Infof("[r]%s patch %s clock=%d\n", self.roomId, session.clientId, clock)
		if dataChangeCallback != nil {
			dataChangeCallback(self)
		}
	}
}

// handleReconnect treats a reconnecting client's offline edits as
// first-class incoming changes, then answers with a catch-up diff of
// every field written after `lastTimestamp`, plus the other clients'
// ephemeral state. A reconnect has no message id and produces no ack.
func (self *Room) handleReconnect(session *Session, message *ClientMessage) {
	self.mutex.Lock()
	if self.sessions[session.sessionId] != session {
		self.mutex.Unlock()
		return
	}

	dataChanged := false
	if message.hasDocumentPatches() {
		self.applyDocumentPatches(message.DocumentPatches)
		self.armSave()
		dataChanged = true
		clientId := session.clientId
		self.broadcastExcept(session.sessionId, NewPatchMessage(&clientId, message.DocumentPatches, nil))
	}

	if diff := self.catchUpDiff(message.LastTimestamp); 0 < len(diff) {
		self.sendTo(session, NewPatchMessage(nil, []Patch{diff}, nil))
	}
	self.sendEphemeralOfOthers(session)

	dataChangeCallback := self.settings.DataChangeCallback
	self.mutex.Unlock()

	glog.V(2).Infof("[r]%s reconnect %s lastTimestamp=%d\n", self.roomId, session.clientId, message.LastTimestamp)
	if dataChanged && dataChangeCallback != nil {
		dataChangeCallback(self)
	}
}

// HandleClose removes the session currently registered under
// `sessionId`, as if its transport had closed.
func (self *Room) HandleClose(sessionId Id) {
	self.mutex.Lock()
	session, ok := self.sessions[sessionId]
	self.mutex.Unlock()
	if !ok {
		return
	}
	self.removeSession(session)
}

// removeSession wipes the departing client's ephemeral records and
// tells the remaining sessions, as tombstones tagged with the departing
// client id plus a fresh client count.
func (self *Room) removeSession(session *Session) {
	self.mutex.Lock()
	if self.closed || self.sessions[session.sessionId] != session {
		self.mutex.Unlock()
		return
	}
	delete(self.sessions, session.sessionId)
	remaining := len(self.sessions)

	tombstones := Patch{}
	for recordKey, ownerId := range self.ephemeralOwners {
		if ownerId != session.clientId {
			continue
		}
		delete(self.ephemeral, recordKey)
		delete(self.ephemeralOwners, recordKey)
		tombstones[recordKey] = FieldMap{FieldExists: false}
	}
	if 0 < len(tombstones) {
		clientId := session.clientId
		self.broadcast(NewPatchMessage(&clientId, nil, []Patch{tombstones}))
	}
	self.broadcast(NewClientCountMessage(remaining))

	membershipCallback := self.membershipCallback
	sessionRemovedCallback := self.settings.SessionRemovedCallback
	self.mutex.Unlock()

	glog.V(2).Infof("[r]%s close %s remaining=%d\n", self.roomId, session.sessionId, remaining)
	if membershipCallback != nil {
		membershipCallback(remaining)
	}
	if sessionRemovedCallback != nil {
		sessionRemovedCallback(self, &SessionRemovedEvent{
			SessionId: session.sessionId,
			Remaining: remaining,
		})
	}
}

// Close forcibly closes every session's transport and clears
// membership. A save still pending in the throttle window is flushed so
// that eviction never loses the last edits.
func (self *Room) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true

	var flushSnapshot *RoomSnapshot
	if self.saveTimer != nil {
		if self.saveTimer.Stop() && self.savePending {
			flushSnapshot = self.snapshot()
		}
		self.saveTimer = nil
	}
	self.savePending = false

	sessions := maps.Values(self.sessions)
	maps.Clear(self.sessions)
	maps.Clear(self.ephemeral)
	maps.Clear(self.ephemeralOwners)
	self.mutex.Unlock()

	for _, session := range sessions {
		session.transport.Close()
	}
	if flushSnapshot != nil {
		self.saveSnapshot(flushSnapshot)
	}
	glog.V(2).Infof("[r]%s closed\n", self.roomId)
}

// locked
func (self *Room) applyDocumentPatches(patches []Patch) {
	self.clock += 1
	for _, patch := range patches {
		for recordKey, fields := range patch {
			if len(fields) == 0 {
				continue
			}
			record, exists := self.state[recordKey]

			merged := make(FieldMap, len(fields)+1)
			for field, value := range fields {
				merged[field] = copyValue(value)
			}
			if _, hasExists := merged[FieldExists]; !hasExists && !exists {
				// implicit creation
				merged[FieldExists] = true
			}
			if value, ok := merged[FieldExists]; ok {
				if affirmed, isBool := value.(bool); isBool && !affirmed {
					// tombstone. the record and all its timestamps go away.
					delete(self.state, recordKey)
					delete(self.timestamps, recordKey)
					continue
				}
			}

			if !exists {
				record = FieldMap{}
				self.state[recordKey] = record
			}
			fieldTimestamps := self.timestamps[recordKey]
			if fieldTimestamps == nil {
				fieldTimestamps = map[string]int64{}
				self.timestamps[recordKey] = fieldTimestamps
			}
			for field, value := range merged {
				record[field] = value
				fieldTimestamps[field] = self.clock
			}
		}
	}
}

// locked
func (self *Room) applyEphemeralPatches(clientId Id, patches []Patch) {
	for _, patch := range patches {
		for recordKey, fields := range patch {
			if len(fields) == 0 {
				continue
			}
			if value, ok := fields[FieldExists]; ok {
				if affirmed, isBool := value.(bool); isBool && !affirmed {
					delete(self.ephemeral, recordKey)
					delete(self.ephemeralOwners, recordKey)
					continue
				}
			}
			record := self.ephemeral[recordKey]
			if record == nil {
				record = FieldMap{}
				self.ephemeral[recordKey] = record
			}
			for field, value := range fields {
				record[field] = copyValue(value)
			}
			self.ephemeralOwners[recordKey] = clientId
		}
	}
}

// locked
// catchUpDiff folds every (record key, field) written after
// `lastTimestamp` into document-patch form. Records deleted since then
// do not appear because their timestamps were dropped with them.
func (self *Room) catchUpDiff(lastTimestamp int64) Patch {
	diff := Patch{}
	for recordKey, fieldTimestamps := range self.timestamps {
		record := self.state[recordKey]
		for field, timestamp := range fieldTimestamps {
			if lastTimestamp < timestamp {
				fields := diff[recordKey]
				if fields == nil {
					fields = FieldMap{}
					diff[recordKey] = fields
				}
				fields[field] = copyValue(record[field])
			}
		}
	}
	return diff
}

// locked
// sendEphemeralOfOthers frames one patch message per owning client so
// the joiner sees correct attribution for each presence record.
func (self *Room) sendEphemeralOfOthers(session *Session) {
	patchesByOwner := map[Id]Patch{}
	for recordKey, ownerId := range self.ephemeralOwners {
		if ownerId == session.clientId {
			continue
		}
		patch := patchesByOwner[ownerId]
		if patch == nil {
			patch = Patch{}
			patchesByOwner[ownerId] = patch
		}
		patch[recordKey] = copyFieldMap(self.ephemeral[recordKey])
	}
	for ownerId, patch := range patchesByOwner {
		ownerId := ownerId
		self.sendTo(session, NewPatchMessage(&ownerId, nil, []Patch{patch}))
	}
}

// locked
func (self *Room) sendTo(session *Session, message any) {
	if err := session.transport.Send(encodeMessage(message)); err != nil {
		glog.V(2).Infof("[r]%s send %s error = %s\n", self.roomId, session.sessionId, err)
	}
}

// locked
// per-session send errors are swallowed so one bad connection cannot
// block fan-out to the rest.
func (self *Room) broadcast(message any) {
	data := encodeMessage(message)
	for _, session := range self.sessions {
		if err := session.transport.Send(data); err != nil {
			glog.V(2).Infof("[r]%s send %s error = %s\n", self.roomId, session.sessionId, err)
		}
	}
}

// locked
func (self *Room) broadcastExcept(exceptSessionId Id, message any) {
	data := encodeMessage(message)
	for sessionId, session := range self.sessions {
		if sessionId == exceptSessionId {
			continue
		}
		if err := session.transport.Send(data); err != nil {
			glog.V(2).Infof("[r]%s send %s error = %s\n", self.roomId, sessionId, err)
		}
	}
}

// locked
// trailing-edge throttle. at most one timer per arm-cycle, not renewed
// while pending. the save captures whatever state is current at fire
// time.
func (self *Room) armSave() {
	if self.storage == nil || self.savePending || self.closed {
		return
	}
	self.savePending = true
	self.saveTimer = time.AfterFunc(self.settings.SaveThrottleTimeout, self.saveTimerFired)
}

func (self *Room) saveTimerFired() {
	self.mutex.Lock()
	self.savePending = false
	self.saveTimer = nil
	if self.closed {
		self.mutex.Unlock()
		return
	}
	snapshot := self.snapshot()
	self.mutex.Unlock()
	self.saveSnapshot(snapshot)
}

func (self *Room) saveSnapshot(snapshot *RoomSnapshot) {
	if err := self.storage.Save(self.ctx, snapshot); err != nil {
		// the next document patch re-arms the timer, which retries implicitly
		glog.Infof("[r]%s save error = %s\n", self.roomId, err)
	} else {
		glog.V(2).Infof("[r]%s save timestamp=%d\n", self.roomId, snapshot.Timestamp)
	}
}
