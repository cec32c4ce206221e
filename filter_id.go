package nicctl

import "fmt"

// FilterID identifies a live filter to callers. It packs the index of
// the filter's match-field combination in the controller's supported
// list together with the table slot, so removal can recover both
// without exposing the firmware handle. IDs are only meaningful to the
// table that issued them.
type FilterID uint32

// FilterIDInvalid is never issued for a live filter.
const FilterIDInvalid FilterID = ^FilterID(0)

func (id FilterID) String() string {
	if id == FilterIDInvalid {
		return "invalid"
	}
	return fmt.Sprintf("%d", uint32(id))
}
