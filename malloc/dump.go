package malloc

import "fmt"
import "unsafe"

// Dump block map, totals, fragmentation and leaks to sink. Leaks are
// used blocks listed with their allocation site in debug mode.
func (b *Blocks) Dump() {
	var nfree, nused, totalfree, maxfree, totalused int64
	last, clean := int64(-1), true
	b.sink.Dumpf("blocks arena:%p heap:%s header:%v align:%v debug:%v",
		unsafe.Pointer(unsafe.SliceData(b.arena)), humanbytes(b.end-b.start),
		b.hdrsize, b.conf.align, b.conf.debug)
	for off := b.start; off < b.end; off = b.next(off) {
		if !b.sane(off, last) {
			clean = false
			break
		}
		last = off
		size := b.hsize(off)
		if b.isfree(off) {
			nfree, totalfree = nfree+1, totalfree+size
			if size > maxfree {
				maxfree = size
			}
			b.sink.Dumpf("  %8v free %v", off, size)
			continue
		}
		nused, totalused = nused+1, totalused+size
		if b.conf.debug {
			realsize := getword(b.arena, off+hdrRealsize)
			fmsg := "  %8v used %v realsize:%v owner:%v"
			b.sink.Dumpf(fmsg, off, size, realsize, b.owner(off))
		} else {
			b.sink.Dumpf("  %8v used %v", off, size)
		}
	}
	fmsg := "blocks used:%v(%s) free:%v(%s) maxfree:%s fragmentation:%v%%"
	b.sink.Dumpf(fmsg, nused, humanbytes(totalused), nfree,
		humanbytes(totalfree), humanbytes(maxfree),
		fragmentation(maxfree, totalfree))
	if clean {
		b.dumpleaks()
	}
}

// Datadump describe the block behind `ptr`, prefixed with `tag`.
func (b *Blocks) Datadump(ptr unsafe.Pointer, tag string) {
	off, ok := b.lookup(ptr, "datadump")
	if !ok {
		return
	}
	size, realsize := b.hsize(off), b.hsize(off)
	if b.conf.debug {
		realsize = int64(getword(b.arena, off+hdrRealsize))
	}
	fmsg := "%v: block %p offset:%v size:%v realsize:%v owner:%v"
	b.sink.Dumpf(fmsg, tag, ptr, off, size, realsize, b.owner(off))
	data := b.arena[off+b.hdrsize : off+b.hdrsize+realsize]
	for i := 0; i < len(data); i += 16 {
		till := i + 16
		if till > len(data) {
			till = len(data)
		}
		b.sink.Dumpf("%v:   %04x % x", tag, i, data[i:till])
	}
}

// Validate walk the headers, check that they span the usable region,
// check magic and canaries in debug mode, and check accounting. First
// inconsistency is reported to sink against the last valid block.
func (b *Blocks) Validate() error {
	var total, used, nblocks int64
	last := int64(-1)
	for off := b.start; off < b.end; off = b.next(off) {
		if !b.sane(off, last) {
			return ErrorCorrupted
		}
		size := b.hsize(off)
		if !b.isfree(off) {
			used += size
			if b.conf.debug && !b.checkcanary(off) {
				return ErrorCorrupted
			}
		}
		total += b.hdrsize + size
		nblocks++
		last = off
	}
	if total != b.end-b.start {
		b.sink.Errorf("blocks: headers span %v, expected %v", total, b.end-b.start)
		return ErrorCorrupted
	} else if used != b.mallocated {
		b.sink.Errorf("blocks: allocated %v, accounted %v", used, b.mallocated)
		return ErrorCorrupted
	} else if nblocks != b.nblocks {
		b.sink.Errorf("blocks: walked %v blocks, accounted %v", nblocks, b.nblocks)
		return ErrorCorrupted
	}
	return nil
}

func (b *Blocks) dumpleaks() {
	if !b.conf.debug {
		return
	}
	sites := map[string][]int64{}
	for off := b.start; off < b.end; off = b.next(off) {
		if !b.isfree(off) {
			site := b.owner(off)
			sites[site] = append(sites[site], int64(getword(b.arena, off+hdrRealsize)))
		}
	}
	for idx, site := range b.tags {
		sizes, ok := sites[site]
		if !ok || b.reserved[uint64(idx)] {
			continue
		}
		var total int64
		for _, size := range sizes {
			total += size
		}
		b.sink.Dumpf("leak %v: %v blocks %s", site, len(sizes), humanbytes(total))
	}
}

// fragmentation percent of free memory not usable by the largest
// possible allocation.
func fragmentation(maxfree, totalfree int64) int64 {
	if totalfree == 0 {
		return 0
	}
	return 100 - ((100 * maxfree) / totalfree)
}

func (conf config) String() string {
	return fmt.Sprintf("align:%v step:%v grow:%v allocator:%v source:%v",
		conf.align, conf.step, conf.grow, conf.kind, conf.source)
}
