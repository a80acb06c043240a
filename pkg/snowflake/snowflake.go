// Package snowflake generates time-ordered 63-bit ids for messages and notifications.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

type Node struct {
	mu   sync.Mutex
	now  func() int64
	last int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. Ids from one node are strictly increasing.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.last {
		// clock moved backwards, keep issuing from the last observed millisecond
		now = n.last
	}

	if now == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.last {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.last = now

	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// NextID returns Generate rendered as a decimal string.
func (n *Node) NextID() string {
	return strconv.FormatInt(n.Generate(), 10)
}

// Parse converts a decimal id back to its numeric form.
func Parse(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}

// Time extracts the creation time encoded in an id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch).UTC()
}
