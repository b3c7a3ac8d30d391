// Package groupcomms is the external collaborator contract for the
// underlying group-comms layer (Corosync): invoking `corosync-quorumtool -p`
// and parsing its output. THE CORE (the Cluster Observer)
// only ever sees the Querier interface; parsing the tool output lives here,
// out of the core's responsibility per spec §1.
package groupcomms

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"hacontrold/internal/executil"
	"hacontrold/internal/model"
)

// Querier reports the current view of cluster membership and quorum.
type Querier interface {
	// Query returns the current membership/quorum view. It must never
	// block longer than its own internal timeout.
	Query(ctx context.Context) (model.ClusterSnapshot, error)
}

// CorosyncQuerier shells out to corosync-quorumtool to build a
// ClusterSnapshot. It is the default production Querier.
type CorosyncQuerier struct {
	// LocalName records the local node's name; Query does not use it, and
	// the snapshot itself has no local/remote distinction.
	LocalName string
}

// NewCorosyncQuerier constructs a CorosyncQuerier for the named local node.
func NewCorosyncQuerier(localName string) *CorosyncQuerier {
	return &CorosyncQuerier{LocalName: localName}
}

// Query runs `corosync-quorumtool -p` and parses its plain-text output.
// Typical output looks like:
//
//	Quorate:          Yes
//	Expected votes:   3
//	Highest expected: 3
//	Total votes:      3
//	...
//	Membership information
//	----------------------
//	    Nodeid      Votes Name
//	         1          1 ns1 (local)
//	         2          1 ns2
//	         3          0 ns3
//
// A node listed with 0 votes in the membership table is not currently seen
// by corosync and is reported online=false.
func (q *CorosyncQuerier) Query(ctx context.Context) (model.ClusterSnapshot, error) {
	out, err := executil.Run(ctx, executil.TimeoutQuery, "corosync-quorumtool", "-p")
	// corosync-quorumtool exits non-zero when inquorate even though its
	// output is still valid and must be parsed.
	if err != nil && len(out) == 0 {
		return model.ClusterSnapshot{}, fmt.Errorf("groupcomms: corosync-quorumtool: %w", err)
	}
	return parseQuorumtool(out)
}

func parseQuorumtool(out []byte) (model.ClusterSnapshot, error) {
	snap := model.ClusterSnapshot{}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	inMembership := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "Quorate:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "Quorate:"))
			snap.Quorate = strings.EqualFold(v, "Yes")
		case strings.HasPrefix(line, "Expected votes:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "Expected votes:"))
			snap.ExpectedVotes, _ = strconv.Atoi(v)
		case strings.HasPrefix(line, "Total votes:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "Total votes:"))
			snap.TotalVotes, _ = strconv.Atoi(v)
		case strings.HasPrefix(line, "Nodeid"):
			inMembership = true
		case inMembership:
			m, ok := parseMembershipLine(line)
			if ok {
				snap.Members = append(snap.Members, m)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return model.ClusterSnapshot{}, fmt.Errorf("groupcomms: scan corosync-quorumtool output: %w", err)
	}
	return snap, nil
}

func parseMembershipLine(line string) (model.Member, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return model.Member{}, false
	}
	nodeID, err := strconv.Atoi(fields[0])
	if err != nil {
		return model.Member{}, false
	}
	votes, err := strconv.Atoi(fields[1])
	if err != nil {
		return model.Member{}, false
	}
	name := fields[2]
	name = strings.TrimSuffix(name, "(local)")
	name = strings.TrimSpace(name)
	return model.Member{
		NodeID: nodeID,
		Name:   name,
		Online: votes > 0,
	}, true
}

// StaticQuerier is a fixed-response Querier for tests; it never errors
// unless Err is set.
type StaticQuerier struct {
	Snapshot model.ClusterSnapshot
	Err      error
}

// Query returns the fixed Snapshot/Err, ignoring ctx.
func (q *StaticQuerier) Query(ctx context.Context) (model.ClusterSnapshot, error) {
	if q.Err != nil {
		return model.ClusterSnapshot{}, q.Err
	}
	return q.Snapshot, nil
}
