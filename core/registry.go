package core

// registryShards spreads rooms over independent locks so join/leave traffic
// in one room never serializes behind another.
const registryShards = 32

// Registry is the concurrency-safe collection of live rooms. It only guards
// the id-to-room mapping; all membership state is guarded by the room itself,
// so operations on two different rooms never share a critical section.
type Registry struct {
	rooms *ShardedMap[*Room]
}

func NewRegistry() *Registry {
	return &Registry{rooms: NewShardedMap[*Room](registryShards)}
}

// GetOrCreate returns the room for id, creating it with create if absent.
// created reports whether this call brought the room into existence.
func (r *Registry) GetOrCreate(id string, create func() *Room) (room *Room, created bool) {
	room, loaded := r.rooms.LoadOrStore(id, create)
	return room, !loaded
}

func (r *Registry) Get(id string) (*Room, bool) {
	return r.rooms.Load(id)
}

func (r *Registry) Exists(id string) bool {
	_, ok := r.rooms.Load(id)
	return ok
}

// Remove drops the given room from the registry, but only while it is still
// the room mapped to its id. A room destroyed and re-created under the same
// id is left alone.
func (r *Registry) Remove(room *Room) {
	r.rooms.CompareAndDelete(room.ID(), room)
}

// Drain empties the registry and returns every room that was live.
func (r *Registry) Drain() []*Room {
	return r.rooms.Drain()
}

func (r *Registry) Len() int {
	return r.rooms.Len()
}
