package syncroom

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// RoomManager lazily creates, caches, and evicts rooms.
// Each room id moves between three states: active (at least one
// session), idle (zero sessions, eviction timer armed), and closed
// (evicted, or force-closed via CloseRoom/CloseAll).
//
// There is never more than one live room per id. Concurrent first-time
// requests for the same id coalesce on a single construction.

type CreateStorageFunction func(roomId string) StorageAdapter

func DefaultRoomManagerSettings() *RoomManagerSettings {
	return &RoomManagerSettings{
		IdleTimeout:  60 * time.Second,
		RoomSettings: DefaultRoomSettings(),
	}
}

type RoomManagerSettings struct {
	// how long a room with zero sessions survives before eviction
	IdleTimeout time.Duration
	// applied to every room this manager creates
	RoomSettings *RoomSettings
}

type pendingRoom struct {
	done chan struct{}
	room *Room
	err  error
}

type RoomManager struct {
	ctx           context.Context
	createStorage CreateStorageFunction
	settings      *RoomManagerSettings

	mutex        sync.Mutex
	rooms        map[string]*Room
	pendingRooms map[string]*pendingRoom
	idleTimers   map[string]*time.Timer
}

// `createStorage` may be nil, in which case rooms are unpersisted.
func NewRoomManager(ctx context.Context, createStorage CreateStorageFunction, settings *RoomManagerSettings) *RoomManager {
	return &RoomManager{
		ctx:           ctx,
		createStorage: createStorage,
		settings:      settings,
		rooms:         map[string]*Room{},
		pendingRooms:  map[string]*pendingRoom{},
		idleTimers:    map[string]*time.Timer{},
	}
}

func NewRoomManagerWithDefaults(ctx context.Context, createStorage CreateStorageFunction) *RoomManager {
	return NewRoomManager(ctx, createStorage, DefaultRoomManagerSettings())
}

// GetRoom returns the live room for `roomId`, constructing and loading
// it on first reference. The room is registered idle, so an id that
// never receives a connect still gets evicted.
func (self *RoomManager) GetRoom(ctx context.Context, roomId string) (*Room, error) {
	self.mutex.Lock()
	if room, ok := self.rooms[roomId]; ok {
		self.mutex.Unlock()
		return room, nil
	}
	if pending, ok := self.pendingRooms[roomId]; ok {
		self.mutex.Unlock()
		select {
		case <-pending.done:
			return pending.room, pending.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pending := &pendingRoom{
		done: make(chan struct{}),
	}
	self.pendingRooms[roomId] = pending
	self.mutex.Unlock()

	var storage StorageAdapter
	if self.createStorage != nil {
		storage = self.createStorage(roomId)
	}
	room := NewRoom(self.ctx, roomId, storage, self.settings.RoomSettings)
	room.setMembershipCallback(func(count int) {
		self.membershipChanged(roomId, room, count)
	})
	err := room.Load(ctx)

	self.mutex.Lock()
	delete(self.pendingRooms, roomId)
	if err == nil {
		self.rooms[roomId] = room
		self.armIdle(roomId, room)
		pending.room = room
	} else {
		pending.err = err
	}
	close(pending.done)
	self.mutex.Unlock()

	if err != nil {
		glog.Infof("[rm]%s load error = %s\n", roomId, err)
		return nil, err
	}
	glog.V(2).Infof("[rm]%s created\n", roomId)
	return room, nil
}

// GetExistingRoom is a non-creating lookup.
func (self *RoomManager) GetExistingRoom(roomId string) *Room {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.rooms[roomId]
}

func (self *RoomManager) GetRoomIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.rooms)
}

// Connect routes a transport connect event to the right room, creating
// the room on first reference.
func (self *RoomManager) Connect(ctx context.Context, roomId string, sessionId Id, transport Transport, clientId Id) (*Room, error) {
	room, err := self.GetRoom(ctx, roomId)
	if err != nil {
		return nil, err
	}
	room.HandleConnect(sessionId, transport, clientId)
	return room, nil
}

func (self *RoomManager) CloseRoom(roomId string) {
	self.mutex.Lock()
	room, ok := self.rooms[roomId]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.rooms, roomId)
	self.cancelIdle(roomId)
	self.mutex.Unlock()

	room.Close()
	glog.V(2).Infof("[rm]%s closed\n", roomId)
}

func (self *RoomManager) CloseAll() {
	self.mutex.Lock()
	rooms := maps.Values(self.rooms)
	maps.Clear(self.rooms)
	for _, timer := range self.idleTimers {
		timer.Stop()
	}
	maps.Clear(self.idleTimers)
	self.mutex.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}

func (self *RoomManager) membershipChanged(roomId string, room *Room, count int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.rooms[roomId] != room {
		return
	}
	if count == 0 {
		self.armIdle(roomId, room)
	} else {
		self.cancelIdle(roomId)
	}
}

// locked
func (self *RoomManager) armIdle(roomId string, room *Room) {
	if _, ok := self.idleTimers[roomId]; ok {
		return
	}
	// the callback takes the mutex, so it cannot observe `timer` before
	// the assignment below completes
	var timer *time.Timer
	timer = time.AfterFunc(self.settings.IdleTimeout, func() {
		self.evictIfIdle(roomId, room, timer)
	})
	self.idleTimers[roomId] = timer
}

// locked
func (self *RoomManager) cancelIdle(roomId string) {
	if timer, ok := self.idleTimers[roomId]; ok {
		timer.Stop()
		delete(self.idleTimers, roomId)
	}
}

// evictIfIdle fires from the idle timer. A connect racing the timer
// wins: the room is only evicted if it is still empty.
func (self *RoomManager) evictIfIdle(roomId string, room *Room, timer *time.Timer) {
	self.mutex.Lock()
	if self.idleTimers[roomId] == timer {
		delete(self.idleTimers, roomId)
	}
	if self.rooms[roomId] != room {
		self.mutex.Unlock()
		return
	}
	if 0 < room.ClientCount() {
		self.mutex.Unlock()
		return
	}
	delete(self.rooms, roomId)
	self.mutex.Unlock()

	room.Close()
	glog.V(2).Infof("[rm]%s evicted after idle\n", roomId)
}
