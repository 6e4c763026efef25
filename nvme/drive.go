package nvme

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Drive is an NVMe namespace exposed as a block device. It stays valid while
// its controller is up; after Shutdown its transfers fail.
type Drive struct {
	ctrl       *Controller
	nsid       uint32
	name       string
	blockSize  uint32
	blockCount uint64
	guid       uuid.UUID
	maxBlocks  uint32
	log        *logrus.Entry
}

func (d *Drive) Name() string       { return d.name }
func (d *Drive) BlockSize() uint32  { return d.blockSize }
func (d *Drive) BlockCount() uint64 { return d.blockCount }
func (d *Drive) Removable() bool    { return false }

// NamespaceID returns the drive's NVMe namespace id.
func (d *Drive) NamespaceID() uint32 {
	return d.nsid
}

// GUID returns the namespace's NGUID. It is zero if the controller doesn't
// report one.
func (d *Drive) GUID() uuid.UUID {
	return d.guid
}

// MaxTransferBlocks returns the most blocks a single command moves. Larger
// transfers are split.
func (d *Drive) MaxTransferBlocks() uint32 {
	return d.maxBlocks
}

// ReadBlocks reads count blocks starting at lba into buf, which must be
// allocated from the controller's DMA memory.
func (d *Drive) ReadBlocks(lba, count uint64, buf []byte) (uint64, error) {
	return d.transfer(IORead, lba, count, buf)
}

// WriteBlocks writes count blocks from buf starting at lba. buf must be
// allocated from the controller's DMA memory.
func (d *Drive) WriteBlocks(lba, count uint64, buf []byte) (uint64, error) {
	return d.transfer(IOWrite, lba, count, buf)
}

// transfer splits the request into commands of at most maxBlocks blocks and
// queues them on the I/O ring, draining whenever the ring fills up. It rings
// once more at the end and drains everything still outstanding, so nothing is
// left in flight between calls. The result counts the blocks before the first
// failed command.
func (d *Drive) transfer(op uint8, lba, count uint64, buf []byte) (uint64, error) {
	c := d.ctrl
	q := c.ioQ

	if q == nil {
		return 0, fmt.Errorf("%w: %s is offline", ErrInvalidParameter, d.name)
	}

	if count == 0 {
		return 0, fmt.Errorf("%w: zero block count", ErrInvalidParameter)
	}

	if lba >= d.blockCount || count > d.blockCount-lba {
		return 0, fmt.Errorf("%w: blocks [%d, +%d) beyond %d", ErrInvalidParameter, lba, count, d.blockCount)
	}

	size := count * uint64(d.blockSize)
	if uint64(len(buf)) < size {
		return 0, fmt.Errorf("%w: %d byte buffer for %d bytes", ErrInvalidParameter, len(buf), size)
	}

	addr, err := c.cfg.Memory.AddrOf(buf[:size])
	if err != nil {
		return 0, fmt.Errorf("%w: buffer isn't DMA memory: %w", ErrInvalidParameter, err)
	}

	// Completions arrive in submission order, so done stays the length of
	// the prefix [lba, lba+done) that was transferred.
	var (
		done   uint64
		broken bool
	)

	collect := func(cpl *Completion) {
		if broken || !cpl.OK() || int(cpl.CID) >= len(q.blocks) {
			broken = true
			return
		}

		done += q.blocks[cpl.CID]
	}

	for remaining := count; remaining > 0; {
		if q.full() {
			q.ringDoorbell()
			if err = q.drain(c.deadline(), collect); err != nil {
				break
			}
		}

		n := min(remaining, uint64(d.maxBlocks))
		if err = d.queue(op, lba, n, addr); err != nil {
			break
		}

		remaining -= n
		lba += n
		addr += n * uint64(d.blockSize)
	}

	if !errors.Is(err, ErrTimeout) {
		q.ringDoorbell()
		if derr := q.drain(c.deadline(), collect); err == nil {
			err = derr
		}
	}

	d.log.WithFields(logrus.Fields{
		"op":    op,
		"count": count,
		"done":  done,
	}).Debug("transfer finished")

	if err != nil {
		return done, fmt.Errorf("%s: %w", d.name, err)
	}

	return done, nil
}

// queue puts one command for n blocks at lba on the I/O ring without ringing
// the doorbell.
func (d *Drive) queue(op uint8, lba, n, addr uint64) error {
	c := d.ctrl
	q := c.ioQ

	cid, err := q.allocCID()
	if err != nil {
		return err
	}

	list := c.prp[cid]
	prp1, prp2, err := fillPRP(list.Bytes, list.Addr, addr, n*uint64(d.blockSize))
	if err != nil {
		return err
	}

	q.blocks[cid] = n

	return q.submit(&Command{
		Opcode: op,
		CID:    cid,
		NSID:   d.nsid,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  uint32(n-1) & 0xffff,
	})
}
