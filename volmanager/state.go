package volmanager

// State is the VolumeManager lifecycle state (spec §4.4, C9), grounded on
// FileSystemState in original_source/SplitFAT/include/SplitFAT/VolumeManager.h.
type State int

const (
	// StateUnknown is the zero value: no storage has been examined yet.
	StateUnknown State = iota
	// StateStorageSetup means an Opener and geometry have been bound but
	// CreateIfDoesNotExist hasn't run yet.
	StateStorageSetup
	// StateCreated means the FAT file and cluster-data file exist and the
	// directory block is allocated, but no root directory has been built
	// on top of it yet (that's vfs's job, layered above this package).
	StateCreated
	// StateReady means the volume is fully usable.
	StateReady
	// StateError is terminal: some operation left the volume in a state
	// this package no longer trusts itself to act on.
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateStorageSetup:
		return "storage-setup"
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}
