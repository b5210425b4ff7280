package featureflag

type Flag string

const (
	// Keeps dead bodies in their cell until they are explicitly removed.
	FlagDisableStaleMemberFilter Flag = "DISABLE_STALE_MEMBER_FILTER"

	// Makes range queries only consider the cells that already exist.
	FlagDisableRangeQueryMaterialization Flag = "DISABLE_RANGE_QUERY_MATERIALIZATION"

	// Prevents clients from creating worlds by joining them.
	FlagDisableWorldAutoCreate Flag = "DISABLE_WORLD_AUTO_CREATE"

	// Rejects the requests to watch a range at every frame.
	FlagDisableWatch Flag = "DISABLE_WATCH"

	// Rejects the requests from clients to clear a world grid.
	FlagDisableClientClear Flag = "DISABLE_CLIENT_CLEAR"
)
