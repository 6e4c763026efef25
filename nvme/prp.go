package nvme

import "fmt"

// fillPRP describes the size bytes at addr with PRP entries.
//
// PRP1 is always addr itself, which may be unaligned. A transfer that ends
// within the first page needs no PRP2. One that ends within the next page
// gets that page's address as PRP2. Anything longer lists the address of
// every page after the first in list, a one-page PRP list at listAddr, and
// PRP2 points at the list.
func fillPRP(list []byte, listAddr, addr, size uint64) (prp1, prp2 uint64, err error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: zero-length transfer", ErrInvalidParameter)
	}

	var (
		off  = addr & (PageSize - 1)
		next = addr - off + PageSize
	)

	switch {
	case size+off <= PageSize:
		return addr, 0, nil

	case size+off <= 2*PageSize:
		return addr, next, nil
	}

	// pages after the first
	n := (size+off+PageSize-1)>>PageShift - 1
	if n > prpEntries {
		return 0, 0, fmt.Errorf("%w: %d byte transfer needs %d PRP entries > %d",
			ErrInvalidParameter, size, n, prpEntries)
	}

	if listAddr&(PageSize-1) != 0 || len(list) < int(n)*8 {
		return 0, 0, fmt.Errorf("%w: PRP list at %#x", ErrInvalidParameter, listAddr)
	}

	for i := uint64(0); i < n; i++ {
		le.PutUint64(list[i*8:], next)
		next += PageSize
	}

	return addr, listAddr, nil
}
