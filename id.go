package redeem

import "github.com/xraph/redeem/id"

// ID is the primary identifier type for all Redeem entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
