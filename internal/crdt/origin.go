package crdt

// Origin tags every transaction so observers can tell local edits, remote
// merges and system writes apart.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginLoad
	OriginSchemaInit
	OriginConfigUpdate
	OriginMetadataUpdate
	OriginBatchUpdate
	OriginPermissionsUpdate
)

var originNames = map[Origin]string{
	OriginLocal:             "local-edit",
	OriginRemote:            "remote-merge",
	OriginLoad:              "system-load",
	OriginSchemaInit:        "schema-init",
	OriginConfigUpdate:      "config-update",
	OriginMetadataUpdate:    "metadata-update",
	OriginBatchUpdate:       "batch-update",
	OriginPermissionsUpdate: "permissions-update",
}

func (o Origin) String() string {
	if name, ok := originNames[o]; ok {
		return name
	}
	return "unknown"
}

// IsRemote reports whether the change arrived from another replica or from
// persisted bytes rather than from this process.
func (o Origin) IsRemote() bool {
	return o == OriginRemote || o == OriginLoad
}
