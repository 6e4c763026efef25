package nvmesim

import (
	"encoding/binary"
	"fmt"

	"github.com/c35s/nvmeboot/nvme"
	"github.com/sirupsen/logrus"
)

var le = binary.LittleEndian

func status(sct, sc uint8) nvme.Completion {
	return nvme.Completion{Status: nvme.MakeStatus(0, sct, sc)}
}

func generic(sc uint8) nvme.Completion {
	return status(nvme.SCTGeneric, sc)
}

func (c *Controller) admin(cmd *nvme.Command) nvme.Completion {
	switch cmd.Opcode {
	case nvme.AdminIdentify:
		return c.identify(cmd)

	case nvme.AdminSetFeatures:
		if cmd.CDW10&0xff != nvme.FeatureNumQueues {
			return generic(nvme.SCInvalidField)
		}

		// granted counts, 0's based
		n := uint32(maxIOQueues - 1)
		return nvme.Completion{DW0: n | n<<16}

	case nvme.AdminCreateIOCQ:
		return c.createCQ(cmd)

	case nvme.AdminCreateIOSQ:
		return c.createSQ(cmd)
	}

	c.log.WithField("opcode", cmd.Opcode).Warn("unsupported admin command")
	return generic(nvme.SCInvalidOpcode)
}

func (c *Controller) identify(cmd *nvme.Command) nvme.Completion {
	var v any

	switch cmd.CDW10 & 0xff {
	case nvme.CNSController:
		v = c.idCtrl()

	case nvme.CNSNamespace:
		if cmd.NSID == 0 || int(cmd.NSID) > len(c.ns) {
			return generic(nvme.SCInvalidNamespace)
		}

		v = c.idNs(&c.ns[cmd.NSID-1])

	default:
		return generic(nvme.SCInvalidField)
	}

	page, err := nvme.EncodeIdentify(v)
	if err != nil {
		c.log.WithError(err).Error("encode identify data")
		return generic(nvme.SCDataTransferError)
	}

	if err := c.copyOut(cmd.PRP1, cmd.PRP2, page); err != nil {
		c.log.WithError(err).Error("identify data transfer")
		return generic(nvme.SCDataTransferError)
	}

	return nvme.Completion{}
}

func (c *Controller) idCtrl() nvme.IdCtrl {
	id := nvme.IdCtrl{
		PCIVendorID:          c.cfg.VID,
		PCISubsystemVendorID: c.cfg.SSVID,
		MaxDataTransferSize:  c.cfg.MDTS,
		Version:              0x00010000,
		SQEntrySize:          6<<4 | 6,
		CQEntrySize:          4<<4 | 4,
		NumNamespaces:        uint32(len(c.ns)),
	}

	pad(id.SerialNumber[:], c.cfg.Serial)
	pad(id.ModelNumber[:], c.cfg.Model)
	pad(id.FirmwareRevision[:], c.cfg.Firmware)

	return id
}

func (c *Controller) idNs(ns *namespace) nvme.IdNs {
	id := nvme.IdNs{
		Size:        ns.blocks,
		Capacity:    ns.blocks,
		Utilization: ns.blocks,
		NGUID:       [16]byte(ns.NGUID),
	}

	if ns.ZeroCapacity {
		id.Capacity = 0
		id.Utilization = 0
	}

	id.LBAFormats[0].DataSize = ns.LBADS
	return id
}

// pad copies s into the ASCII field f, padding it with spaces.
func pad(f []byte, s string) {
	n := copy(f, s)
	for i := n; i < len(f); i++ {
		f[i] = ' '
	}
}

func (c *Controller) createCQ(cmd *nvme.Command) nvme.Completion {
	qid := uint16(cmd.CDW10)
	depth := uint16(cmd.CDW10>>16) + 1

	switch {
	case qid == 0 || qid > maxIOQueues || c.cqs[qid] != nil:
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueID)
	case depth < 2 || depth > c.cfg.MQES+1:
		return status(nvme.SCTCommandSpecific, nvme.SCMaxQueueSizeExceeded)
	case cmd.CDW11&nvme.QueuePhysContig == 0:
		return generic(nvme.SCInvalidField)
	}

	c.cqs[qid] = &compQueue{id: qid, addr: cmd.PRP1, depth: depth, phase: 1}

	c.log.WithFields(logrus.Fields{"cq": qid, "depth": depth}).Debug("created completion queue")
	return nvme.Completion{}
}

func (c *Controller) createSQ(cmd *nvme.Command) nvme.Completion {
	qid := uint16(cmd.CDW10)
	depth := uint16(cmd.CDW10>>16) + 1
	cqid := uint16(cmd.CDW11 >> 16)

	switch {
	case qid == 0 || qid > maxIOQueues || c.sqs[qid] != nil:
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidQueueID)
	case depth < 2 || depth > c.cfg.MQES+1:
		return status(nvme.SCTCommandSpecific, nvme.SCMaxQueueSizeExceeded)
	case cmd.CDW11&nvme.QueuePhysContig == 0:
		return generic(nvme.SCInvalidField)
	case cqid == 0 || c.cqs[cqid] == nil:
		return status(nvme.SCTCommandSpecific, nvme.SCInvalidCQ)
	}

	c.sqs[qid] = &subQueue{id: qid, cqid: cqid, addr: cmd.PRP1, depth: depth}

	c.log.WithFields(logrus.Fields{"sq": qid, "cq": cqid, "depth": depth}).Debug("created submission queue")
	return nvme.Completion{}
}

func (c *Controller) io(cmd *nvme.Command) nvme.Completion {
	if cmd.NSID == 0 || int(cmd.NSID) > len(c.ns) {
		return generic(nvme.SCInvalidNamespace)
	}

	ns := &c.ns[cmd.NSID-1]

	var (
		lba   = uint64(cmd.CDW11)<<32 | uint64(cmd.CDW10)
		count = uint64(cmd.CDW12&0xffff) + 1
		size  = count << ns.LBADS
	)

	if lba >= ns.blocks || count > ns.blocks-lba {
		return generic(nvme.SCLBAOutOfRange)
	}

	if mdts := c.cfg.MDTS; mdts != 0 && size > uint64(nvme.PageSize)<<c.cfg.MPSMIN<<mdts {
		return generic(nvme.SCInvalidField)
	}

	segs, err := c.segments(cmd.PRP1, cmd.PRP2, size)
	if err != nil {
		c.log.WithError(err).Error("walk PRPs")
		return generic(nvme.SCDataTransferError)
	}

	off := int64(lba << ns.LBADS)

	switch cmd.Opcode {
	case nvme.IORead:
		for _, s := range segs {
			if _, err := ns.Storage.ReadAt(s, off); err != nil {
				c.log.WithError(err).Error("read storage")
				return generic(nvme.SCDataTransferError)
			}

			off += int64(len(s))
		}

		c.stats.ReadCommands++
		c.stats.BlocksRead += count

	case nvme.IOWrite:
		if ns.w == nil {
			return generic(nvme.SCInvalidOpcode)
		}

		for _, s := range segs {
			if _, err := ns.w.WriteAt(s, off); err != nil {
				c.log.WithError(err).Error("write storage")
				return generic(nvme.SCDataTransferError)
			}

			off += int64(len(s))
		}

		c.stats.WriteCommands++
		c.stats.BlocksWritten += count

	default:
		return generic(nvme.SCInvalidOpcode)
	}

	c.stats.MaxBlocks = max(c.stats.MaxBlocks, count)

	return nvme.Completion{}
}

// copyOut writes data to the host memory described by prp1 and prp2.
func (c *Controller) copyOut(prp1, prp2 uint64, data []byte) error {
	segs, err := c.segments(prp1, prp2, uint64(len(data)))
	if err != nil {
		return err
	}

	for _, s := range segs {
		data = data[copy(s, data):]
	}

	return nil
}

// segments resolves a PRP pair covering size bytes into host memory, one
// slice per page.
func (c *Controller) segments(prp1, prp2, size uint64) ([][]byte, error) {
	const ps = nvme.PageSize

	first := min(size, ps-prp1%ps)

	s, err := c.cfg.Memory.MemAt(prp1, int(first))
	if err != nil {
		return nil, fmt.Errorf("PRP1 %#x: %w", prp1, err)
	}

	segs := [][]byte{s}
	rest := size - first

	if rest == 0 {
		return segs, nil
	}

	if prp2%ps != 0 {
		return nil, fmt.Errorf("PRP2 %#x is not page aligned", prp2)
	}

	if rest <= ps {
		s, err := c.cfg.Memory.MemAt(prp2, int(rest))
		if err != nil {
			return nil, fmt.Errorf("PRP2 %#x: %w", prp2, err)
		}

		return append(segs, s), nil
	}

	n := (rest + ps - 1) / ps
	if n > ps/8 {
		return nil, fmt.Errorf("%d pages don't fit in one PRP list", n)
	}

	list, err := c.cfg.Memory.MemAt(prp2, int(n*8))
	if err != nil {
		return nil, fmt.Errorf("PRP list %#x: %w", prp2, err)
	}

	for i := uint64(0); i < n; i++ {
		addr := le.Uint64(list[i*8:])
		if addr%ps != 0 {
			return nil, fmt.Errorf("PRP entry %d (%#x) is not page aligned", i, addr)
		}

		s, err := c.cfg.Memory.MemAt(addr, int(min(rest, ps)))
		if err != nil {
			return nil, fmt.Errorf("PRP entry %d (%#x): %w", i, addr, err)
		}

		segs = append(segs, s)
		rest -= uint64(len(s))
	}

	return segs, nil
}
