package crdt

// Constants

// UtilSiteID is the reserved identifier of the synthetic originator used
// when seeding a room from a stored text snapshot. Real participants are
// handed identifiers starting at 1.
const UtilSiteID uint32 = 0

// Structs

// GlobalID identifies one CRDT operation uniquely across all sites of a
// room. The counter is assigned by the originating site and strictly
// increases per site, the site identifier is assigned by the room on
// connection.
type GlobalID struct {
	Counter uint32 `json:"counter"`
	SiteID  uint32 `json:"siteId"`
}

// Functions

// Less implements the total order on global identifiers: compare by
// counter first, then by site identifier. This order is the tie-breaker
// for concurrent insertions sharing the same anchor.
func (g GlobalID) Less(other GlobalID) bool {

	if g.Counter != other.Counter {
		return g.Counter < other.Counter
	}

	return g.SiteID < other.SiteID
}
