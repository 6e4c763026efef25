package nvme

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	lbadsMin = 9  // 512 byte blocks
	lbadsMax = 21 // one PRP list's worth
)

// identifyNamespaces builds a Drive for each namespace the controller reports.
// The Identify page is reused as scratch. A namespace with no capacity or an
// unusable block size fails the whole enumeration.
func (c *Controller) identifyNamespaces() ([]*Drive, error) {
	var drives []*Drive

	for nsid := uint32(1); nsid <= c.id.NumNamespaces; nsid++ {
		if err := c.identify(CNSNamespace, nsid, c.idPage.Addr); err != nil {
			return nil, fmt.Errorf("identify namespace %d: %w", nsid, err)
		}

		var ns IdNs
		if err := decodeIdentify(c.idPage.Bytes, &ns); err != nil {
			return nil, fmt.Errorf("%w: identify namespace %d: %w", ErrDeviceError, nsid, err)
		}

		if ns.Capacity == 0 {
			return nil, fmt.Errorf("%w: namespace %d has zero capacity", ErrDeviceError, nsid)
		}

		lbads := ns.ActiveFormat().DataSize
		if lbads < lbadsMin || lbads > lbadsMax {
			return nil, fmt.Errorf("%w: namespace %d: LBADS %d", ErrDeviceError, nsid, lbads)
		}

		bs := uint32(2) << (lbads - 1)

		d := &Drive{
			ctrl:       c,
			nsid:       nsid,
			name:       fmt.Sprintf("NVMe Namespace %d", nsid),
			blockSize:  bs,
			blockCount: ns.Size,
			guid:       uuid.UUID(ns.NGUID),
			maxBlocks:  maxTransferBlocks(c.id.MaxDataTransferSize, c.cap, bs),
			log:        c.log.WithField("ns", nsid),
		}

		d.log.WithFields(logrus.Fields{
			"size":      ns.Size,
			"capacity":  ns.Capacity,
			"lbads":     lbads,
			"maxBlocks": d.maxBlocks,
		}).Debug("identified namespace")

		drives = append(drives, d)
	}

	return drives, nil
}

// maxTransferBlocks returns the most blocks one command may move. MDTS is in
// units of the minimum page size; 0 means no limit, and any limit beyond one
// PRP list is capped to it.
func maxTransferBlocks(mdts uint8, cap Cap, bs uint32) uint32 {
	limit := uint64(MaxTransferBytes)

	if mdts != 0 && mdts < 32 {
		if b := uint64(1) << mdts * cap.MinPageSize(); b < limit {
			limit = b
		}
	}

	return uint32(max(limit/uint64(bs), 1))
}
