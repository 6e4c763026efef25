package nvme

import (
	"fmt"
	"time"

	"github.com/c35s/nvmeboot/mmio"
	"k8s.io/utils/clock"
)

// queue is a submission ring and a completion ring sharing a queue id. Both
// rings have the same depth.
type queue struct {
	id    uint16
	depth uint16
	regs  mmio.Regs
	sqDB  uint32 // submission tail doorbell offset
	cqDB  uint32 // completion head doorbell offset

	sq     []byte // depth submission entries
	cq     []byte // depth completion entries
	sqAddr uint64
	cqAddr uint64

	tail  uint16 // next submission slot
	head  uint16 // next completion slot
	phase uint8  // phase tag of a completion slot the controller hasn't written yet
	cid   uint16 // next command id
	sqhd  uint16 // submission head last reported by the controller

	// per command id
	ops    []uint8
	blocks []uint64
}

// deadline is the point in time a polling loop gives up.
type deadline struct {
	clk clock.PassiveClock
	at  time.Time
}

func newDeadline(clk clock.PassiveClock, d time.Duration) deadline {
	return deadline{clk: clk, at: clk.Now().Add(d)}
}

func (d deadline) expired() bool {
	return !d.clk.Now().Before(d.at)
}

func newQueue(id, depth uint16, regs mmio.Regs, dstrd uint8, sq, cq []byte, sqAddr, cqAddr uint64) *queue {
	return &queue{
		id:     id,
		depth:  depth,
		regs:   regs,
		sqDB:   DoorbellOffset(id, false, dstrd),
		cqDB:   DoorbellOffset(id, true, dstrd),
		sq:     sq[:int(depth)*CommandSize],
		cq:     cq[:int(depth)*CompletionSize],
		sqAddr: sqAddr,
		cqAddr: cqAddr,
		ops:    make([]uint8, depth),
		blocks: make([]uint64, depth),
	}
}

// full reports whether the next submission would catch up with the
// controller's submission head.
func (q *queue) full() bool {
	return (q.tail+1)%q.depth == q.sqhd
}

// outstanding returns the number of submitted commands not yet retired.
func (q *queue) outstanding() uint16 {
	return (q.tail + q.depth - q.head) % q.depth
}

// allocCID returns the next command id. Ids are handed out in order and
// reused only after the queue is fully drained.
func (q *queue) allocCID() (uint16, error) {
	if q.cid >= q.depth {
		return 0, fmt.Errorf("%w: queue %d has no free command id", ErrOutOfResources, q.id)
	}

	cid := q.cid
	q.cid++

	return cid, nil
}

// submit writes cmd into the submission slot at the tail and advances the
// tail. The controller doesn't see it until ringDoorbell.
func (q *queue) submit(cmd *Command) error {
	if q.full() {
		return fmt.Errorf("%w: queue %d is full", ErrOutOfResources, q.id)
	}

	if int(cmd.CID) < len(q.ops) {
		q.ops[cmd.CID] = cmd.Opcode
	}

	cmd.Put(q.sq[int(q.tail)*CommandSize:])

	if q.tail++; q.tail == q.depth {
		q.tail = 0
	}

	return nil
}

// ringDoorbell makes every submitted command visible to the controller.
func (q *queue) ringDoorbell() {
	q.regs.Write32(q.sqDB, uint32(q.tail))
}

// drain retires every outstanding command, calling fn with each completion
// in ring order, then acknowledges them with the completion head doorbell.
//
// If a completion doesn't arrive before dl, drain returns ErrTimeout at once
// and leaves the remaining completions unacknowledged. A completion with an
// error status is retired like any other; the first one is returned as a
// *StatusError after the doorbell write.
func (q *queue) drain(dl deadline, fn func(cpl *Completion)) error {
	var (
		cpl    Completion
		status *StatusError
	)

	for n := q.outstanding(); n > 0; n-- {
		e := q.cq[int(q.head)*CompletionSize:]

		for phaseAt(e) == q.phase {
			if dl.expired() {
				return fmt.Errorf("%w: queue %d: %d commands outstanding", ErrTimeout, q.id, n)
			}
		}

		cpl.Get(e)

		if q.head++; q.head == q.depth {
			q.head = 0
			q.phase ^= 1
		}

		q.sqhd = cpl.SQHD

		if !cpl.OK() && status == nil {
			status = &StatusError{CID: cpl.CID, SCT: cpl.SCT(), SC: cpl.SC()}
			if int(cpl.CID) < len(q.ops) {
				status.Opcode = q.ops[cpl.CID]
			}
		}

		if fn != nil {
			fn(&cpl)
		}
	}

	q.regs.Write32(q.cqDB, uint32(q.head))

	if q.tail == q.sqhd {
		q.cid = 0
	}

	if status != nil {
		return status
	}

	return nil
}
