package metastore

import "fmt"

// Key layout. BadgerDB is an ordered key-value store, not a relational
// engine, so the "required indexes" from the persisted-state-layout spec
// are realized as secondary keys that map an index value back to a primary
// key, scanned by prefix and (where the spec calls for numeric ordering)
// sorted in memory after the prefix scan narrows the candidate set.
const (
	prefixDevice        = "device:"         // device:<id> -> Device
	prefixDeviceByLogic = "device:logical:"  // device:logical:<logical_id> -> id
	prefixDeviceByState = "idx:device:state:" // idx:device:state:<state>:<id> -> ""

	prefixFile = "file:" // file:<id> -> File

	prefixChunk        = "chunk:"          // chunk:<id> -> Chunk
	prefixChunkByFile  = "idx:chunk:file:"  // idx:chunk:file:<file_id>:<seq6> -> chunk id
	prefixChunkByState = "idx:chunk:state:" // idx:chunk:state:<state>:<id> -> ""

	prefixLocation       = "loc:"          // loc:<chunk_id>:<device_id> -> ChunkLocation
	prefixLocationByDev  = "idx:loc:dev:"  // idx:loc:dev:<device_id>:<chunk_id> -> ""
)

func deviceKey(id string) []byte           { return []byte(prefixDevice + id) }
func deviceByLogicalKey(logical string) []byte { return []byte(prefixDeviceByLogic + logical) }
func deviceStateIndexKey(state, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixDeviceByState, state, id))
}
func deviceStateIndexPrefix(state string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixDeviceByState, state))
}

func fileKey(id string) []byte { return []byte(prefixFile + id) }

func chunkKey(id string) []byte { return []byte(prefixChunk + id) }
func chunkByFileIndexKey(fileID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%06d", prefixChunkByFile, fileID, seq))
}
func chunkByFileIndexPrefix(fileID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixChunkByFile, fileID))
}
func chunkStateIndexKey(state, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixChunkByState, state, id))
}
func chunkStateIndexPrefix(state string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixChunkByState, state))
}

func locationKey(chunkID, deviceID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixLocation, chunkID, deviceID))
}
func locationByChunkPrefix(chunkID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixLocation, chunkID))
}
func locationByDeviceIndexKey(deviceID, chunkID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixLocationByDev, deviceID, chunkID))
}
func locationByDeviceIndexPrefix(deviceID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixLocationByDev, deviceID))
}
