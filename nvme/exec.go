package nvme

import "github.com/sirupsen/logrus"

// runOne submits cmd, rings the doorbell and drains the queue. It is meant
// for a queue with nothing else outstanding. If that doesn't hold it logs a
// warning, makes room if the ring is full, and retires the other commands
// along with cmd.
func (q *queue) runOne(cmd *Command, dl deadline, log *logrus.Entry) (Completion, error) {
	if q.tail != q.sqhd {
		log.WithFields(logrus.Fields{
			"qid":  q.id,
			"tail": q.tail,
			"sqhd": q.sqhd,
		}).Warn("submission queue not empty; all outstanding commands will be completed")

		if q.full() {
			q.ringDoorbell()
			if err := q.drain(dl, nil); err != nil {
				return Completion{}, err
			}
		}
	}

	cid, err := q.allocCID()
	if err != nil {
		return Completion{}, err
	}

	cmd.CID = cid
	if err := q.submit(cmd); err != nil {
		return Completion{}, err
	}

	q.ringDoorbell()

	var res Completion
	err = q.drain(dl, func(cpl *Completion) {
		if cpl.CID == cid {
			res = *cpl
		}
	})

	log.WithFields(logrus.Fields{
		"qid":    q.id,
		"opcode": cmd.Opcode,
		"cid":    cid,
		"status": res.Status >> 1,
	}).Debug("command completed")

	return res, err
}

func (c *Controller) admin(cmd *Command) (Completion, error) {
	return c.adminQ.runOne(cmd, c.deadline(), c.log)
}

// setQueueCount asks for n I/O submission and n I/O completion queues.
func (c *Controller) setQueueCount(n uint16) error {
	if n == 0 {
		return ErrInvalidParameter
	}

	n--
	_, err := c.admin(&Command{
		Opcode: AdminSetFeatures,
		CDW10:  FeatureNumQueues,
		CDW11:  uint32(n) | uint32(n)<<16,
	})

	return err
}

// createCQ creates q's completion ring on the controller.
func (c *Controller) createCQ(q *queue) error {
	_, err := c.admin(&Command{
		Opcode: AdminCreateIOCQ,
		PRP1:   q.cqAddr,
		CDW10:  uint32(q.id) | uint32(q.depth-1)<<16,
		CDW11:  QueuePhysContig,
	})

	return err
}

// createSQ creates q's submission ring, bound to the completion ring with the
// same id.
func (c *Controller) createSQ(q *queue) error {
	_, err := c.admin(&Command{
		Opcode: AdminCreateIOSQ,
		PRP1:   q.sqAddr,
		CDW10:  uint32(q.id) | uint32(q.depth-1)<<16,
		CDW11:  QueuePhysContig | uint32(q.id)<<16,
	})

	return err
}

// identify reads the Identify data selected by cns into the page at pageAddr.
func (c *Controller) identify(cns uint32, nsid uint32, pageAddr uint64) error {
	_, err := c.admin(&Command{
		Opcode: AdminIdentify,
		NSID:   nsid,
		PRP1:   pageAddr,
		CDW10:  cns,
	})

	return err
}
