package p2p

import "hacontrold/internal/model"

// MergeMemberLists implements the /sync-corosync monotonic-merge invariant
// (§4.6 step 5, §8 P6): the incoming list replaces local only if it is
// strictly longer, so the local list never shrinks. A tie (equal sizes, differing members) is conservative per §9:
// keep the local copy and log; no automatic reconciliation is attempted.
//
// Returns the list to keep and whether the incoming list was accepted.
func MergeMemberLists(local, incoming model.ClusterSnapshot) (kept model.ClusterSnapshot, accepted bool) {
	if len(incoming.Members) > len(local.Members) {
		return incoming, true
	}
	return local, false
}
